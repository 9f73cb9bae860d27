package firelite

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

const (
	defaultBaseURL    = "https://firestore.googleapis.com/v1"
	defaultDatabaseID = "(default)"
	// emulatorToken is accepted by the emulator as an admin credential
	emulatorToken = "owner"
)

// Config holds everything needed to create a Connection.
//
// Only ProjectID is required. Every collaborator left nil
// is replaced by its production default.
type Config struct {
	// ProjectID is the Google Cloud project that owns the database.
	ProjectID string `yaml:"project_id"`
	// DatabaseID defaults to "(default)".
	DatabaseID string `yaml:"database_id"`
	// BaseURL overrides the REST endpoint
	// (default "https://firestore.googleapis.com/v1").
	BaseURL string `yaml:"base_url"`
	// EmulatorHost ("host:port") points the connection at a local
	// emulator over plain HTTP with the emulator's admin token.
	EmulatorHost string `yaml:"emulator_host"`
	// HTTPClient is used by the default Transport. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client `yaml:"-"`
	// Transport sends requests. If nil, an HTTPTransport is used.
	Transport Transport `yaml:"-"`
	// TokenProvider supplies bearer credentials. If nil, the
	// process-wide cache over Google default credentials is used.
	TokenProvider TokenProvider `yaml:"-"`
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-"`
	// Clock drives token expiry and transaction backoff. If nil,
	// the real clock is used.
	Clock clockwork.Clock `yaml:"-"`
}

// Connection provides access to a remote document
// database.
//
// It is designed to be thread-safe and used
// as a singleton instance. References, queries and
// batches created from it are lightweight.
type Connection struct {
	projectID  string
	databaseID string
	baseURL    string
	transport  Transport
	tokens     TokenProvider
	logger     *slog.Logger
	clock      clockwork.Clock
}

// Create a new Connection instance for the given
// project, using Google default credentials (or the
// emulator, if FIRESTORE_EMULATOR_HOST is set).
func Connect(ctx context.Context, projectID string) (*Connection, error) {
	cfg := Config{ProjectID: projectID}
	cfg.applyEnv()

	return ConnectWithConfig(ctx, cfg)
}

// Create a new Connection instance from a Config.
func ConnectWithConfig(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.ProjectID == "" {
		return nil, errors.Wrap(ErrValidation, "firelite: project id is required")
	}

	if strings.Contains(cfg.ProjectID, "/") || strings.Contains(cfg.DatabaseID, "/") {
		return nil, errors.Wrap(ErrValidation, "firelite: project and database ids cannot contain '/'")
	}

	databaseID := cfg.DatabaseID
	if databaseID == "" {
		databaseID = defaultDatabaseID
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
		if cfg.EmulatorHost != "" {
			baseURL = "http://" + cfg.EmulatorHost + "/v1"
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &HTTPTransport{Client: cfg.HTTPClient}
	}

	tokens := cfg.TokenProvider
	if tokens == nil {
		if cfg.EmulatorHost != "" {
			tokens = StaticToken(emulatorToken)
		} else {
			cache, err := defaultTokenCache(ctx, clock)
			if err != nil {
				return nil, err
			}

			tokens = cache
		}
	}

	return &Connection{
		projectID:  cfg.ProjectID,
		databaseID: databaseID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		transport:  transport,
		tokens:     tokens,
		logger:     logger,
		clock:      clock,
	}, nil
}

// Close releases idle connections held by the
// transport, if it keeps any.
//
// Close need not be called at program exit.
func (c *Connection) Close() error {
	if c == nil {
		return errors.New("firelite: nil Connection")
	}

	if closer, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}

	return nil
}

// ProjectID returns the project the connection targets.
func (c *Connection) ProjectID() string {
	return c.projectID
}

// DatabaseID returns the database the connection targets.
func (c *Connection) DatabaseID() string {
	return c.databaseID
}

// projects/{project}/databases/{database}
func (c *Connection) databaseName() string {
	return "projects/" + c.projectID + "/databases/" + c.databaseID
}

// projects/{project}/databases/{database}/documents
func (c *Connection) documentsRoot() string {
	return c.databaseName() + "/documents"
}

// Collection returns a reference to the collection at
// path, a sequence of IDs separated by slashes
// (e.g. "users" or "users/alice/posts").
//
// A malformed path (even number of IDs, or an empty
// ID) does not fail here; every operation on the
// returned reference fails with ErrValidation.
func (c *Connection) Collection(path string) *CollectionRef {
	segments, err := splitPath(path, true)
	if err != nil {
		return invalidCollection(c, err)
	}

	var coll *CollectionRef
	var doc *DocumentRef

	for i, segment := range segments {
		if i%2 == 0 {
			coll = newCollectionRef(c, doc, segment)
		} else {
			doc = coll.Doc(segment)
		}
	}

	return coll
}

// Doc returns a reference to the document at path
// (e.g. "users/alice").
//
// A malformed path (odd number of IDs, or an empty
// ID) does not fail here; every operation on the
// returned reference fails with ErrValidation.
func (c *Connection) Doc(path string) *DocumentRef {
	segments, err := splitPath(path, false)
	if err != nil {
		return &DocumentRef{conn: c, err: err}
	}

	collPath := strings.Join(segments[:len(segments)-1], "/")

	return c.Collection(collPath).Doc(segments[len(segments)-1])
}

// CollectionGroup returns a Query over every collection
// in the database with the given ID, regardless of
// its parent document.
func (c *Connection) CollectionGroup(collectionID string) Query {
	q := Query{
		conn:           c,
		parentName:     c.documentsRoot(),
		collectionID:   collectionID,
		allDescendants: true,
	}

	if collectionID == "" || strings.Contains(collectionID, "/") {
		q.err = errors.Wrapf(ErrValidation, "firelite: invalid collection id %q", collectionID)
	}

	return q
}

// Batch returns a new, empty WriteBatch.
func (c *Connection) Batch() *WriteBatch {
	return &WriteBatch{conn: c}
}

// resolve a full resource name back to a DocumentRef
func (c *Connection) docRefFromName(name string) (*DocumentRef, error) {
	prefix := c.documentsRoot() + "/"
	if !strings.HasPrefix(name, prefix) {
		return nil, errors.Wrapf(ErrValidation, "firelite: document name %q is outside database %s", name, c.databaseName())
	}

	ref := c.Doc(strings.TrimPrefix(name, prefix))
	if ref.err != nil {
		return nil, ref.err
	}

	return ref, nil
}
