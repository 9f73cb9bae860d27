package firelite

import (
	"context"
	"net/http"
	"regexp"
	"testing"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const notFoundBody = `{"error":{"code":404,"message":"Document not found","status":"NOT_FOUND"}}`

var updated = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func storedDoc(t *testing.T, path string, fields map[string]interface{}) string {
	t.Helper()

	encoded := make(map[string]*firestorepb.Value, len(fields))
	for name, value := range fields {
		v, err := EncodeValue(value)
		require.NoError(t, err)
		encoded[name] = v
	}

	return encodeBody(t, &firestorepb.Document{
		Name:       testRoot + "/" + path,
		Fields:     encoded,
		CreateTime: timestamppb.New(updated.Add(-time.Hour)),
		UpdateTime: timestamppb.New(updated),
	})
}

func TestPaths(t *testing.T) {
	conn, _ := newTestConnection(t, nil)

	doc := conn.Doc("users/alice/posts/p1")
	require.NoError(t, doc.check())
	assert.Equal(t, "p1", doc.ID)
	assert.Equal(t, "users/alice/posts/p1", doc.Path())
	assert.Equal(t, "posts", doc.Parent.ID)
	assert.Equal(t, "users/alice/posts", doc.Parent.Path())
	assert.Equal(t, "alice", doc.Parent.Parent.ID)
	assert.Equal(t, "users", doc.Parent.Parent.Parent.ID)
	assert.Nil(t, doc.Parent.Parent.Parent.Parent)

	sub := conn.Doc("users/alice").Collection("posts").Doc("p1")
	assert.Equal(t, doc.Path(), sub.Path())
	assert.Equal(t, testRoot+"/users/alice/posts/p1", sub.name())

	for _, bad := range []string{"users", "users//alice", "", "users/alice/posts"} {
		err := conn.Doc(bad).check()
		assert.True(t, errors.Is(err, ErrValidation), "path %q", bad)
	}

	assert.True(t, errors.Is(conn.Collection("users").Doc("a/b").check(), ErrValidation))
	assert.True(t, errors.Is(conn.Doc("users/alice").Collection("").Doc("x").check(), ErrValidation))
}

func TestNewDocID(t *testing.T) {
	conn, _ := newTestConnection(t, nil)
	pattern := regexp.MustCompile(`^[A-Za-z0-9]{20}$`)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ref := conn.Collection("users").NewDoc()
		assert.Regexp(t, pattern, ref.ID)
		seen[ref.ID] = true
	}

	assert.Len(t, seen, 200)
}

func TestMissingDocumentID(t *testing.T) {
	conn, transport := newTestConnection(t, nil)
	ref := conn.Collection("users").Doc("")
	ctx := context.Background()

	_, err := ref.Get(ctx)
	assert.True(t, errors.Is(err, ErrMissingDocumentID))

	_, err = ref.Create(ctx, map[string]interface{}{"a": 1})
	assert.True(t, errors.Is(err, ErrMissingDocumentID))

	_, err = ref.Set(ctx, map[string]interface{}{"a": 1})
	assert.True(t, errors.Is(err, ErrMissingDocumentID))

	_, err = ref.Update(ctx, map[string]interface{}{"a": 1})
	assert.True(t, errors.Is(err, ErrMissingDocumentID))

	assert.True(t, errors.Is(ref.Delete(ctx), ErrMissingDocumentID))

	assert.Empty(t, transport.recorded())
}

func TestDocumentGet(t *testing.T) {
	var conn *Connection
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		if req.Path == testRoot+"/users/alice" {
			return respond(http.StatusOK, storedDoc(t, "users/alice", map[string]interface{}{
				"name":   "Alice",
				"age":    30,
				"friend": conn.Doc("users/bob"),
			}))
		}

		return respond(http.StatusNotFound, notFoundBody)
	})
	ctx := context.Background()

	snap, err := conn.Doc("users/alice").Get(ctx)
	require.NoError(t, err)
	require.True(t, snap.Exists())
	assert.Equal(t, "alice", snap.ID())
	assert.Equal(t, updated, snap.UpdateTime)
	assert.Equal(t, "Alice", snap.Data()["name"])
	assert.Equal(t, int64(30), snap.Data()["age"])

	friend, err := snap.DataAt("friend")
	require.NoError(t, err)
	assert.Equal(t, "users/bob", friend.(*DocumentRef).Path())

	var decoded struct {
		Name   string `firestore:"name"`
		Friend string `firestore:"friend"`
	}
	require.NoError(t, snap.DataTo(&decoded))
	assert.Equal(t, "Alice", decoded.Name)
	assert.Equal(t, "users/bob", decoded.Friend)

	missing, err := conn.Doc("users/nobody").Get(ctx)
	require.NoError(t, err)
	assert.False(t, missing.Exists())
	assert.Nil(t, missing.Data())
	assert.True(t, errors.Is(missing.DataTo(&decoded), ErrNotFound))

	requests := transport.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, http.MethodGet, requests[0].Method)
	assert.Equal(t, "Bearer test-token", requests[0].Header.Get("Authorization"))
	assert.Equal(t, "projects/test-project/databases/(default)", requests[0].Header.Get("google-cloud-resource-prefix"))
}

func TestDocumentGetServerError(t *testing.T) {
	conn, _ := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusForbidden, `{"error":{"code":403,"message":"Missing or insufficient permissions.","status":"PERMISSION_DENIED"}}`)
	})

	_, err := conn.Doc("users/alice").Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))
	assert.False(t, errors.Is(err, ErrNotFound))

	var apiErr *googleapi.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Code)
	assert.Equal(t, "Missing or insufficient permissions.", apiErr.Message)
	assert.Contains(t, apiErr.Body, "PERMISSION_DENIED")
}

func TestDocumentCreate(t *testing.T) {
	t.Run("already exists", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			return respond(http.StatusOK, storedDoc(t, "users/alice", nil))
		})

		_, err := conn.Doc("users/alice").Create(context.Background(), map[string]interface{}{"a": 1})
		assert.True(t, errors.Is(err, ErrAlreadyExists))

		requests := transport.recorded()
		require.Len(t, requests, 1)
		assert.Equal(t, http.MethodGet, requests[0].Method)
	})

	t.Run("created", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			if req.Method == http.MethodGet {
				return respond(http.StatusNotFound, notFoundBody)
			}

			return respond(http.StatusOK, storedDoc(t, "users/alice", map[string]interface{}{"a": 1}))
		})

		result, err := conn.Doc("users/alice").Create(context.Background(), map[string]interface{}{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, updated, result.UpdateTime)

		requests := transport.recorded()
		require.Len(t, requests, 2)
		assert.Equal(t, http.MethodPost, requests[1].Method)
		assert.Equal(t, testRoot+"/users", requests[1].Path)
		assert.Equal(t, "alice", requests[1].Query.Get("documentId"))

		var body firestorepb.Document
		decodeBody(t, requests[1], &body)
		assert.Equal(t, int64(1), body.GetFields()["a"].GetIntegerValue())
	})

	t.Run("with transforms commits", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			if req.Method == http.MethodGet {
				return respond(http.StatusNotFound, notFoundBody)
			}

			return respond(http.StatusOK, encodeBody(t, &firestorepb.CommitResponse{
				WriteResults: []*firestorepb.WriteResult{{UpdateTime: timestamppb.New(updated)}},
			}))
		})

		_, err := conn.Doc("users/alice").Create(context.Background(), map[string]interface{}{"at": ServerTimestamp})
		require.NoError(t, err)

		commits := transport.matching(":commit")
		require.Len(t, commits, 1)

		var body firestorepb.CommitRequest
		decodeBody(t, commits[0], &body)
		require.Len(t, body.GetWrites(), 1)
		assert.False(t, body.GetWrites()[0].GetCurrentDocument().GetExists())
		assert.Len(t, body.GetWrites()[0].GetUpdateTransforms(), 1)
	})

	t.Run("encode errors before any request", func(t *testing.T) {
		conn, transport := newTestConnection(t, nil)

		_, err := conn.Doc("users/alice").Create(context.Background(), map[string]interface{}{"c": make(chan int)})
		assert.True(t, errors.Is(err, ErrUnsupportedValueType))
		assert.Empty(t, transport.recorded())
	})
}

func TestDocumentSet(t *testing.T) {
	t.Run("merge patches with mask", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			return respond(http.StatusOK, storedDoc(t, "users/alice", nil))
		})

		_, err := conn.Doc("users/alice").Set(context.Background(),
			map[string]interface{}{"b": 1, "a": 2, "gone": Delete},
			NewOptions().Merge(),
		)
		require.NoError(t, err)

		requests := transport.recorded()
		require.Len(t, requests, 1)
		assert.Equal(t, http.MethodPatch, requests[0].Method)
		assert.Equal(t, []string{"a", "b", "gone"}, requests[0].Query["updateMask.fieldPaths"])
		assert.Empty(t, requests[0].Query.Get("currentDocument.exists"))
	})

	t.Run("overwrite reads deletes then creates", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			switch req.Method {
			case http.MethodGet, http.MethodPost:
				return respond(http.StatusOK, storedDoc(t, "users/alice", map[string]interface{}{"a": 1}))
			}

			return respond(http.StatusOK, "{}")
		})

		_, err := conn.Doc("users/alice").Set(context.Background(), map[string]interface{}{"a": 1})
		require.NoError(t, err)

		var methods []string
		for _, req := range transport.recorded() {
			methods = append(methods, req.Method)
		}

		assert.Equal(t, []string{http.MethodGet, http.MethodDelete, http.MethodPost}, methods)
	})

	t.Run("overwrite of missing document skips delete", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			if req.Method == http.MethodGet {
				return respond(http.StatusNotFound, notFoundBody)
			}

			return respond(http.StatusOK, storedDoc(t, "users/alice", nil))
		})

		_, err := conn.Doc("users/alice").Set(context.Background(), map[string]interface{}{"a": 1})
		require.NoError(t, err)
		requests := transport.recorded()
		require.Len(t, requests, 2)
		assert.Equal(t, http.MethodGet, requests[0].Method)
		assert.Equal(t, http.MethodPost, requests[1].Method)
	})
}

func TestDocumentUpdate(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusNotFound, notFoundBody)
	})

	_, err := conn.Doc("users/alice").Update(context.Background(), map[string]interface{}{"a": 1})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrRemoteRequestFailed))

	requests := transport.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPatch, requests[0].Method)
	assert.Equal(t, "true", requests[0].Query.Get("currentDocument.exists"))
	assert.Equal(t, []string{"a"}, requests[0].Query["updateMask.fieldPaths"])
}

func TestDocumentEmptyMergeKeepsMask(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, commitResponse(t, 1))
	})
	ctx := context.Background()
	alice := conn.Doc("users/alice")

	type profile struct {
		Nickname string `firestore:"nickname,omitempty"`
	}

	_, err := alice.Update(ctx, map[string]interface{}{})
	require.NoError(t, err)

	_, err = alice.Set(ctx, map[string]interface{}{}, NewOptions().Merge())
	require.NoError(t, err)

	_, err = alice.Set(ctx, profile{}, NewOptions().Merge())
	require.NoError(t, err)

	requests := transport.recorded()
	require.Len(t, requests, 3)

	for i, req := range requests {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, testRoot+":commit", req.Path)

		var body firestorepb.CommitRequest
		decodeBody(t, req, &body)
		require.Len(t, body.GetWrites(), 1)

		write := body.GetWrites()[0]
		assert.Equal(t, testRoot+"/users/alice", write.GetUpdate().GetName())
		require.NotNil(t, write.GetUpdateMask(), "request %d", i)
		assert.Empty(t, write.GetUpdateMask().GetFieldPaths())
	}

	var update firestorepb.CommitRequest
	decodeBody(t, requests[0], &update)
	assert.True(t, update.GetWrites()[0].GetCurrentDocument().GetExists())
}

func TestDocumentDelete(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{"existing", http.StatusOK, "{}", nil},
		{"missing is success", http.StatusNotFound, notFoundBody, nil},
		{"server error", http.StatusInternalServerError, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`, ErrRemoteRequestFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
				return respond(tt.status, tt.body)
			})

			err := conn.Doc("users/alice").Delete(context.Background())
			if tt.is == nil {
				require.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.is))
			}

			requests := transport.recorded()
			require.Len(t, requests, 1)
			assert.Equal(t, http.MethodDelete, requests[0].Method)
			assert.Equal(t, testRoot+"/users/alice", requests[0].Path)
		})
	}
}

func TestCollectionAdd(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, storedDoc(t, "users/server-id", map[string]interface{}{"a": 1}))
	})

	ref, result, err := conn.Collection("users").Add(context.Background(), map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "server-id", ref.ID)
	assert.Equal(t, updated, result.UpdateTime)

	requests := transport.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPost, requests[0].Method)
	assert.Equal(t, testRoot+"/users", requests[0].Path)
	assert.Empty(t, requests[0].Query.Get("documentId"))
}

func TestListDocuments(t *testing.T) {
	pages := map[string]*firestorepb.ListDocumentsResponse{
		"": {
			Documents:     []*firestorepb.Document{{Name: testRoot + "/users/a"}, {Name: testRoot + "/users/b"}},
			NextPageToken: "next",
		},
		"next": {
			Documents: []*firestorepb.Document{{Name: testRoot + "/users/c"}},
		},
	}

	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, encodeBody(t, pages[req.Query.Get("pageToken")]))
	})

	docs, err := conn.Collection("users").ListDocuments(context.Background(), 2).GetAll()
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "c", docs[2].ID())

	requests := transport.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "2", requests[0].Query.Get("pageSize"))
	assert.Equal(t, "next", requests[1].Query.Get("pageToken"))
}
