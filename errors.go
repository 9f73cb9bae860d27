package firelite

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"google.golang.org/api/googleapi"
)

var (
	// ErrUnsupportedValueType is returned when a value cannot be
	// represented on the wire (including a Sentinel placed anywhere
	// other than directly as a field's value).
	ErrUnsupportedValueType = errors.New("firelite: unsupported value type")
	// ErrValidation is returned for malformed paths, out of range
	// geo points and other caller supplied values that are rejected
	// before any request is sent.
	ErrValidation = errors.New("firelite: validation failed")
	// ErrMissingDocumentID is returned when a data operation is
	// attempted on a DocumentRef without an ID.
	ErrMissingDocumentID = errors.New("firelite: missing document id")
	// ErrAlreadyExists is returned when creating a document that
	// already exists.
	ErrAlreadyExists = errors.New("firelite: document already exists")
	// ErrAlreadyCommitted is returned when a WriteBatch or
	// Transaction is used after it has been committed.
	ErrAlreadyCommitted = errors.New("firelite: already committed")
	// ErrNotFound is returned when an operation requires a document
	// that does not exist.
	ErrNotFound = errors.New("firelite: document not found")
	// ErrAuthenticationFailed is returned when no credential could be
	// obtained from the TokenProvider.
	ErrAuthenticationFailed = errors.New("firelite: authentication failed")
	// ErrRemoteRequestFailed marks every non-2xx response. The
	// underlying *googleapi.Error carries the raw response body.
	ErrRemoteRequestFailed = errors.New("firelite: remote request failed")
	// ErrTransactionAborted marks failures that the transaction
	// runner retries.
	ErrTransactionAborted = errors.New("firelite: transaction aborted")
	// ErrTransactionExhausted is returned once every transaction
	// attempt has been aborted.
	ErrTransactionExhausted = errors.New("firelite: transaction retries exhausted")
)

// errorEnvelope is the JSON error body returned by the service.
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// convert a non-2xx response into a marked *googleapi.Error
func responseError(status int, body []byte) error {
	gerr := &googleapi.Error{
		Code: status,
		Body: string(body),
	}

	var envelope errorEnvelope
	if err := wireJSON.Unmarshal(body, &envelope); err == nil {
		gerr.Message = envelope.Error.Message
	}

	var err error = gerr
	err = errors.Mark(err, ErrRemoteRequestFailed)

	switch envelope.Error.Status {
	case "NOT_FOUND":
		err = errors.Mark(err, ErrNotFound)
	case "ALREADY_EXISTS":
		err = errors.Mark(err, ErrAlreadyExists)
	case "ABORTED":
		err = errors.Mark(err, ErrTransactionAborted)
	default:
		if status == http.StatusNotFound {
			err = errors.Mark(err, ErrNotFound)
		}
	}

	return err
}

// isRetryable reports whether err signals transaction contention.
// Besides the explicit mark, the message is inspected because user
// code may surface an abort it observed through its own wrapping.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransactionAborted) {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "aborted") || strings.Contains(msg, "contention")
}
