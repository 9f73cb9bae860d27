package firelite

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportAgainstServer(t *testing.T) {
	var gotPath, gotRawPath, gotAuth, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRawPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"projects/p/databases/(default)/documents/users/a b","fields":{"n":{"integerValue":"5"}}}`)
	}))
	defer server.Close()

	conn, err := ConnectWithConfig(context.Background(), Config{
		ProjectID:     "p",
		BaseURL:       server.URL + "/v1/",
		HTTPClient:    server.Client(),
		TokenProvider: StaticToken("secret"),
	})
	require.NoError(t, err)
	defer conn.Close()

	snap, err := conn.Doc("users/a b").Get(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Exists())
	assert.Equal(t, "a b", snap.ID())
	assert.Equal(t, int64(5), snap.Data()["n"])

	assert.Equal(t, "/v1/projects/p/databases/(default)/documents/users/a b", gotPath)
	assert.Contains(t, gotRawPath, "users/a%20b")
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Empty(t, gotContentType)
	assert.Empty(t, gotBody)

	_, err = conn.Doc("users/a b").Set(context.Background(), map[string]interface{}{"n": 6}, NewOptions().Merge())
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)

	var doc firestorepb.Document
	require.NoError(t, unmarshalWire.Unmarshal(gotBody, &doc))
	assert.Equal(t, int64(6), doc.GetFields()["n"].GetIntegerValue())
}

func TestHTTPTransportStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer server.Close()

	transport := &HTTPTransport{Client: server.Client()}
	status, body, err := transport.Send(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "short and stout", string(body))
}

func TestHTTPTransportCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := (&HTTPTransport{}).Send(ctx, http.MethodGet, server.URL, nil, nil)
	assert.Error(t, err)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "projects/p/documents/users/a%20b", escapePath("projects/p/documents/users/a b"))
	assert.Equal(t, "projects/p/documents:commit", escapePath("projects/p/documents:commit"))
	assert.Equal(t, "users/%3F", escapePath("users/?"))
}

func TestStreamRejectsNonArray(t *testing.T) {
	conn, _ := newTestConnection(t, func(req recordedRequest) fakeResponse {
		return respond(http.StatusOK, `{"not":"an array"}`)
	})

	_, err := conn.Collection("users").GetAll(context.Background())
	assert.Error(t, err)
}
