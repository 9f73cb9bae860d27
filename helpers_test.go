package firelite

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

const testRoot = "projects/test-project/databases/(default)/documents"

// a request as seen by fakeTransport
type recordedRequest struct {
	Method string
	Path   string // unescaped, without the /v1/ prefix
	Query  url.Values
	Header http.Header
	Body   []byte
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func respond(status int, body string) fakeResponse {
	return fakeResponse{status: status, body: body}
}

// fakeTransport records every request and answers from handler
type fakeTransport struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(req recordedRequest) fakeResponse
}

func (f *fakeTransport) Send(_ context.Context, method, requestURL string, header http.Header, body []byte) (int, []byte, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return 0, nil, err
	}

	req := recordedRequest{
		Method: method,
		Path:   strings.TrimPrefix(u.Path, "/v1/"),
		Query:  u.Query(),
		Header: header,
		Body:   body,
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return http.StatusOK, []byte("{}"), nil
	}

	resp := handler(req)
	return resp.status, []byte(resp.body), resp.err
}

func (f *fakeTransport) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]recordedRequest(nil), f.requests...)
}

// requests whose path ends with suffix
func (f *fakeTransport) matching(suffix string) []recordedRequest {
	var out []recordedRequest
	for _, req := range f.recorded() {
		if strings.HasSuffix(req.Path, suffix) {
			out = append(out, req)
		}
	}

	return out
}

func newTestConnection(t *testing.T, handler func(req recordedRequest) fakeResponse) (*Connection, *fakeTransport) {
	t.Helper()

	transport := &fakeTransport{handler: handler}

	conn, err := ConnectWithConfig(context.Background(), Config{
		ProjectID:     "test-project",
		Transport:     transport,
		TokenProvider: StaticToken("test-token"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:         clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	return conn, transport
}

// decode a recorded request body into msg
func decodeBody(t *testing.T, req recordedRequest, msg proto.Message) {
	t.Helper()
	require.NoError(t, unmarshalWire.Unmarshal(req.Body, msg))
}

// encode msg as a REST JSON response body
func encodeBody(t *testing.T, msg proto.Message) string {
	t.Helper()

	data, err := marshalWire.Marshal(msg)
	require.NoError(t, err)

	return string(data)
}

// join encoded messages into a streamed JSON array
func streamBody(t *testing.T, msgs ...proto.Message) string {
	t.Helper()

	parts := make([]string, len(msgs))
	for i, msg := range msgs {
		parts[i] = encodeBody(t, msg)
	}

	return "[" + strings.Join(parts, ",") + "]"
}
