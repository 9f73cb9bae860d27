package firelite

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type account struct {
	Name  string `firestore:"name"`
	Age   int    `firestore:"age"`
	Email string `firestore:"email"`
}

// answers runQuery with n account documents
func accountsQueryBody(t *testing.T, n int) string {
	responses := make([]proto.Message, n)
	for i := range responses {
		responses[i] = &firestorepb.RunQueryResponse{
			Document: &firestorepb.Document{
				Name: fmt.Sprintf("%s/accounts/a%d", testRoot, i),
				Fields: map[string]*firestorepb.Value{
					"name": {ValueType: &firestorepb.Value_StringValue{StringValue: fmt.Sprintf("user %d", i)}},
					"age":  {ValueType: &firestorepb.Value_IntegerValue{IntegerValue: int64(20 + i)}},
				},
				UpdateTime: timestamppb.New(updated),
			},
			ReadTime: timestamppb.New(updated),
		}
	}

	return streamBody(t, responses...)
}

func TestTypedCollectionCreate(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		switch {
		case req.Method == http.MethodPost && strings.HasSuffix(req.Path, "/accounts"):
			return respond(http.StatusOK, encodeBody(t, &firestorepb.Document{
				Name:       testRoot + "/accounts/generated",
				UpdateTime: timestamppb.New(updated),
			}))
		case req.Method == http.MethodGet:
			return respond(http.StatusNotFound, notFoundBody)
		default:
			return respond(http.StatusOK, storedDoc(t, "accounts/bob", nil))
		}
	})

	accounts := CollectionOf[account](conn, "accounts")
	ctx := context.Background()

	id, err := accounts.Create(ctx, &account{Name: "Alice", Age: 30})
	require.NoError(t, err)
	assert.Equal(t, "generated", id)

	var doc firestorepb.Document
	decodeBody(t, transport.recorded()[0], &doc)
	assert.Equal(t, "Alice", doc.GetFields()["name"].GetStringValue())
	assert.Equal(t, int64(30), doc.GetFields()["age"].GetIntegerValue())

	id, err = accounts.Create(ctx, &account{Name: "Bob"}, NewOptions().CustomID("bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	last := transport.recorded()[len(transport.recorded())-1]
	assert.Equal(t, http.MethodPost, last.Method)
	assert.Equal(t, "bob", last.Query.Get("documentId"))

	_, err = accounts.Create(ctx, nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestTypedCollectionFind(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		var request firestorepb.RunQueryRequest
		decodeBody(t, req, &request)

		n := 3
		if limit := request.GetStructuredQuery().GetLimit(); limit != nil {
			n = int(limit.GetValue())
		}

		return respond(http.StatusOK, accountsQueryBody(t, n))
	})

	accounts := CollectionOf[account](conn, "accounts")
	ctx := context.Background()
	adults := accounts.Query().Where("age", ">=", 18).OrderBy("age", Asc)

	docs, err := accounts.Find(ctx, adults)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a0", docs[0].ID)
	assert.Equal(t, account{Name: "user 2", Age: 22}, docs[2].Data)

	one, err := accounts.FindOne(ctx, adults)
	require.NoError(t, err)
	assert.Equal(t, Document[account]{ID: "a0", Data: account{Name: "user 0", Age: 20}}, one)

	requests := transport.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, testRoot+":runQuery", requests[1].Path)

	var request firestorepb.RunQueryRequest
	decodeBody(t, requests[1], &request)
	assert.Equal(t, int32(1), request.GetStructuredQuery().GetLimit().GetValue())
	assert.Equal(t, "accounts", request.GetStructuredQuery().GetFrom()[0].GetCollectionId())
}

func TestTypedCollectionFindOneEmpty(t *testing.T) {
	conn, _ := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, "[]")
	})

	accounts := CollectionOf[account](conn, "accounts")

	one, err := accounts.FindOne(context.Background(), accounts.Query())
	require.NoError(t, err)
	assert.Equal(t, Document[account]{}, one)
}

func TestTypedCollectionFindByID(t *testing.T) {
	conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
		var request firestorepb.BatchGetDocumentsRequest
		decodeBody(t, req, &request)

		responses := make([]proto.Message, 0, len(request.GetDocuments()))
		for _, name := range request.GetDocuments() {
			if strings.HasSuffix(name, "/ghost") {
				responses = append(responses, &firestorepb.BatchGetDocumentsResponse{
					Result: &firestorepb.BatchGetDocumentsResponse_Missing{Missing: name},
				})

				continue
			}

			id := name[strings.LastIndex(name, "/")+1:]
			responses = append(responses, &firestorepb.BatchGetDocumentsResponse{
				Result: &firestorepb.BatchGetDocumentsResponse_Found{Found: &firestorepb.Document{
					Name: name,
					Fields: map[string]*firestorepb.Value{
						"name": {ValueType: &firestorepb.Value_StringValue{StringValue: id}},
					},
				}},
			})
		}

		return respond(http.StatusOK, streamBody(t, responses...))
	})

	accounts := CollectionOf[account](conn, "accounts")
	ctx := context.Background()

	docs, err := accounts.FindByID(ctx, "carol", "ghost", "alice")
	require.NoError(t, err)
	assert.Equal(t, []Document[account]{
		{ID: "carol", Data: account{Name: "carol"}},
		{ID: "alice", Data: account{Name: "alice"}},
	}, docs)

	docs, err = accounts.FindByID(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Len(t, transport.recorded(), 1)
}

func TestTypedCollectionBulkWrites(t *testing.T) {
	const matching = 1200

	newConn := func(t *testing.T) (*Connection, *fakeTransport) {
		return newTestConnection(t, func(req recordedRequest) fakeResponse {
			if strings.HasSuffix(req.Path, ":runQuery") {
				return respond(http.StatusOK, accountsQueryBody(t, matching))
			}

			var request firestorepb.CommitRequest
			decodeBody(t, req, &request)

			return respond(http.StatusOK, commitResponse(t, len(request.GetWrites())))
		})
	}

	commitSizes := func(t *testing.T, transport *fakeTransport) ([]int, []*firestorepb.Write) {
		var sizes []int
		var writes []*firestorepb.Write

		for _, req := range transport.matching(":commit") {
			var request firestorepb.CommitRequest
			decodeBody(t, req, &request)
			sizes = append(sizes, len(request.GetWrites()))
			writes = append(writes, request.GetWrites()...)
		}

		return sizes, writes
	}

	t.Run("update", func(t *testing.T) {
		conn, transport := newConn(t)
		accounts := CollectionOf[account](conn, "accounts")

		err := accounts.Update(context.Background(),
			accounts.Query().Where("age", ">", 10),
			&account{Email: "x@example.com"},
			NewOptions().MergeFields("email"),
		)
		require.NoError(t, err)

		var query firestorepb.RunQueryRequest
		decodeBody(t, transport.matching(":runQuery")[0], &query)
		projected := query.GetStructuredQuery().GetSelect().GetFields()
		require.Len(t, projected, 1)
		assert.Equal(t, DocumentID, projected[0].GetFieldPath())

		sizes, writes := commitSizes(t, transport)
		assert.Equal(t, []int{500, 500, 200}, sizes)

		for _, w := range writes {
			assert.Equal(t, []string{"email"}, w.GetUpdateMask().GetFieldPaths())
			assert.True(t, w.GetCurrentDocument().GetExists())
		}

		assert.Equal(t, testRoot+"/accounts/a1199", writes[len(writes)-1].GetUpdate().GetName())
	})

	t.Run("delete", func(t *testing.T) {
		conn, transport := newConn(t)
		accounts := CollectionOf[account](conn, "accounts")

		require.NoError(t, accounts.Delete(context.Background(), accounts.Query()))

		sizes, writes := commitSizes(t, transport)
		assert.Equal(t, []int{500, 500, 200}, sizes)
		assert.Equal(t, testRoot+"/accounts/a0", writes[0].GetDelete())
	})

	t.Run("nothing matches", func(t *testing.T) {
		conn, transport := newTestConnection(t, func(req recordedRequest) fakeResponse {
			return respond(http.StatusOK, "[]")
		})
		accounts := CollectionOf[account](conn, "accounts")

		require.NoError(t, accounts.Delete(context.Background(), accounts.Query()))
		assert.Empty(t, transport.matching(":commit"))
	})
}

func TestTypedCollectionCount(t *testing.T) {
	conn, _ := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, aggregationBody(t, map[string]*firestorepb.Value{
			"count": {ValueType: &firestorepb.Value_IntegerValue{IntegerValue: 9}},
		}))
	})

	accounts := CollectionOf[account](conn, "accounts")

	count, err := accounts.Count(context.Background(), accounts.Query())
	require.NoError(t, err)
	assert.Equal(t, int64(9), count)
}

func TestTypedCollectionNil(t *testing.T) {
	assert.Nil(t, CollectionOf[account](nil, "accounts"))

	var accounts *TypedCollection[account]
	_, err := accounts.Find(context.Background(), Query{})
	assert.Error(t, err)

	conn, _ := newTestConnection(t, nil)
	_, err = CollectionOf[account](conn, "accounts/a").FindByID(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrValidation))
}
