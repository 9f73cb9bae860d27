package firelite

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// A Transport sends one HTTP request and returns the status
// code and body of the response. Non-2xx statuses are not
// errors at this layer; err is reserved for failures to
// complete the exchange at all.
//
// Timeouts are the Transport's concern.
type Transport interface {
	Send(ctx context.Context, method, url string, header http.Header, body []byte) (status int, respBody []byte, err error)
}

// HTTPTransport is the default Transport, backed by an
// *http.Client.
type HTTPTransport struct {
	// Client is used for all requests. If nil, http.DefaultClient is used.
	Client *http.Client
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, method, requestURL string, header http.Header, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "firelite: failed to create request")
	}

	for key, values := range header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := t.client().Do(request)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "firelite: request to %s %s failed", method, requestURL)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, errors.Wrap(err, "firelite: failed to read response body")
	}

	return response.StatusCode, responseBody, nil
}

// CloseIdleConnections closes idle connections of the
// underlying client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client().CloseIdleConnections()
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client == nil {
		return http.DefaultClient
	}

	return t.Client
}

var (
	marshalWire   = protojson.MarshalOptions{}
	unmarshalWire = protojson.UnmarshalOptions{DiscardUnknown: true}
)

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// send performs one authenticated request against a resource
// path (e.g. "projects/p/databases/d/documents:commit") and
// returns the raw status and body.
func (c *Connection) send(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body proto.Message,
) (int, []byte, error) {
	var payload []byte
	if body != nil {
		encoded, err := marshalWire.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "firelite: failed to encode request body")
		}

		payload = encoded
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthenticationFailed) {
			err = errors.Mark(err, ErrAuthenticationFailed)
		}

		return 0, nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Value)
	header.Set("google-cloud-resource-prefix", c.databaseName())
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}

	requestURL := c.baseURL + "/" + escapePath(path)
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	start := c.clock.Now()
	status, responseBody, err := c.transport.Send(ctx, method, requestURL, header, payload)
	if err != nil {
		c.logger.Debug("firelite request failed", "method", method, "path", path, "error", err)
		return 0, nil, err
	}

	c.logger.Debug("firelite request",
		"method", method,
		"path", path,
		"status", status,
		"duration", c.clock.Since(start),
	)

	return status, responseBody, nil
}

// do performs a request that must succeed and decodes the
// response into out (if non-nil).
func (c *Connection) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body proto.Message,
	out proto.Message,
) error {
	status, responseBody, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	if !isSuccess(status) {
		return responseError(status, responseBody)
	}

	return decodeMessage(responseBody, out)
}

// stream performs a POST whose response is a JSON array of
// messages and hands each element to each, in order.
func (c *Connection) stream(ctx context.Context, path string, body proto.Message, each func(raw []byte) error) error {
	status, responseBody, err := c.send(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}

	if !isSuccess(status) {
		return responseError(status, responseBody)
	}

	var items []jsoniter.RawMessage
	if err := wireJSON.Unmarshal(responseBody, &items); err != nil {
		return errors.Wrapf(err, "firelite: failed to parse %s response", path)
	}

	for _, item := range items {
		if err := each(item); err != nil {
			return err
		}
	}

	return nil
}

func decodeMessage(data []byte, out proto.Message) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := unmarshalWire.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "firelite: failed to parse response")
	}

	return nil
}

// escape each path segment, keeping "/" separators and ":verb" suffixes
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	return strings.Join(segments, "/")
}
