package firelite

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 100 * time.Millisecond
)

// lifecycle of a single transaction attempt
type txState int

const (
	txBegun txState = iota
	txCommitting
	txCommitted
	txRolledBack
)

// A Transaction is a single attempt of a function passed
// to RunTransaction.
//
// Reads are sent immediately, carrying the transaction
// handle so the server can detect conflicting writes.
// Writes are staged and applied atomically when the
// function returns nil. All reads must happen before the
// first write.
//
// A Transaction must only be used from the goroutine
// running the transaction function.
type Transaction struct {
	ctx      context.Context
	conn     *Connection
	id       []byte
	readOnly bool
	state    txState
	staged   stagedWrites
}

// TransactionOption configures RunTransaction.
type TransactionOption func(*transactionSettings) error

type transactionSettings struct {
	maxAttempts int
	baseDelay   time.Duration
	readOnly    bool
	// sleep waits between attempts; nil uses the connection's clock
	sleep func(ctx context.Context, d time.Duration) error
}

// WithMaxAttempts sets how many times the transaction is
// attempted in total before giving up (default 5).
func WithMaxAttempts(n int) TransactionOption {
	return func(s *transactionSettings) error {
		if n < 1 {
			return errors.Wrapf(ErrValidation, "firelite: max attempts must be at least 1, got %d", n)
		}

		s.maxAttempts = n
		return nil
	}
}

// WithBaseDelay sets the wait before the second attempt
// (default 100ms). Each later wait doubles.
func WithBaseDelay(d time.Duration) TransactionOption {
	return func(s *transactionSettings) error {
		if d < 0 {
			return errors.Wrapf(ErrValidation, "firelite: base delay cannot be negative, got %s", d)
		}

		s.baseDelay = d
		return nil
	}
}

// ReadOnly runs the transaction in read-only mode. Staging
// a write fails.
func ReadOnly() TransactionOption {
	return func(s *transactionSettings) error {
		s.readOnly = true
		return nil
	}
}

// RunTransaction runs fn in a transaction and commits the
// writes it staged.
//
// If fn returns an error, or the commit fails, the
// transaction is rolled back and the error returned. When
// the error signals contention (the server aborted the
// transaction), the whole attempt is retried after a
// delay of 100ms, then 200ms, 400ms and so on, up to the
// maximum number of attempts. After the last attempt the
// error is marked ErrTransactionExhausted.
//
// fn may be called more than once, so it should not have
// side effects other than through the Transaction.
func (c *Connection) RunTransaction(
	ctx context.Context,
	fn func(context.Context, *Transaction) error,
	opts ...TransactionOption,
) error {
	settings := transactionSettings{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}

	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return err
		}
	}

	if settings.sleep == nil {
		settings.sleep = c.sleep
	}

	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)

	var previous []byte
	var lastErr error

	for attempt := 1; attempt <= settings.maxAttempts; attempt++ {
		id, err := c.attemptTransaction(ctx, fn, settings.readOnly, previous)
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		lastErr = err
		previous = id

		if attempt == settings.maxAttempts {
			break
		}

		delay := settings.baseDelay * time.Duration(1<<(attempt-1))
		logger.Warn("firelite transaction aborted, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		if err := settings.sleep(ctx, delay); err != nil {
			return errors.Wrap(err, "firelite: transaction retry interrupted")
		}
	}

	logger.Info("firelite transaction gave up", "attempts", settings.maxAttempts, "error", lastErr)

	return errors.Mark(
		errors.Wrapf(lastErr, "firelite: transaction failed after %d attempts", settings.maxAttempts),
		ErrTransactionExhausted,
	)
}

// one begin/run/commit cycle; returns the transaction id
// so a retry can name the transaction it replaces
func (c *Connection) attemptTransaction(
	ctx context.Context,
	fn func(context.Context, *Transaction) error,
	readOnly bool,
	previous []byte,
) ([]byte, error) {
	id, err := c.beginTransaction(ctx, readOnly, previous)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ctx:      ctx,
		conn:     c,
		id:       id,
		readOnly: readOnly,
		state:    txBegun,
		staged:   stagedWrites{conn: c},
	}

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return id, err
	}

	if err := tx.commit(); err != nil {
		tx.rollback()
		return id, err
	}

	return id, nil
}

func (c *Connection) beginTransaction(ctx context.Context, readOnly bool, previous []byte) ([]byte, error) {
	options := &firestorepb.TransactionOptions{
		Mode: &firestorepb.TransactionOptions_ReadWrite_{
			ReadWrite: &firestorepb.TransactionOptions_ReadWrite{RetryTransaction: previous},
		},
	}

	if readOnly {
		options.Mode = &firestorepb.TransactionOptions_ReadOnly_{
			ReadOnly: &firestorepb.TransactionOptions_ReadOnly{},
		}
	}

	request := &firestorepb.BeginTransactionRequest{
		Database: c.databaseName(),
		Options:  options,
	}

	var response firestorepb.BeginTransactionResponse
	if err := c.do(ctx, http.MethodPost, c.documentsRoot()+":beginTransaction", nil, request, &response); err != nil {
		return nil, err
	}

	if len(response.GetTransaction()) == 0 {
		return nil, errors.Wrap(ErrRemoteRequestFailed, "firelite: server returned an empty transaction id")
	}

	return response.GetTransaction(), nil
}

// wait on the connection's clock, giving up if ctx ends
func (c *Connection) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transaction) active() error {
	switch t.state {
	case txCommitting, txCommitted:
		return errors.WithStack(ErrAlreadyCommitted)
	case txRolledBack:
		return errors.New("firelite: transaction has been rolled back")
	}

	return nil
}

func (t *Transaction) readable() error {
	if err := t.active(); err != nil {
		return err
	}

	if len(t.staged.writes) > 0 {
		return errors.New("firelite: read after write in transaction")
	}

	return nil
}

func (t *Transaction) writable() error {
	if err := t.active(); err != nil {
		return err
	}

	if t.readOnly {
		return errors.Wrap(ErrValidation, "firelite: write in read-only transaction")
	}

	return nil
}

// Get reads the document within the transaction.
func (t *Transaction) Get(ref *DocumentRef) (*DocumentSnapshot, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}

	if err := t.staged.checkRef(ref); err != nil {
		return nil, err
	}

	return ref.get(t.ctx, t.id)
}

// GetAll reads several documents within the transaction.
// Results are in the order of refs.
func (t *Transaction) GetAll(refs []*DocumentRef) ([]*DocumentSnapshot, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}

	return t.conn.getAll(t.ctx, refs, t.id)
}

// Documents runs the query within the transaction.
func (t *Transaction) Documents(q Query) *DocumentIterator {
	if err := t.readable(); err != nil {
		return errorIterator(err)
	}

	docs, err := q.runQuery(t.ctx, t.id)
	if err != nil {
		return errorIterator(err)
	}

	return sliceIterator(docs)
}

// Aggregate runs the aggregation query within the transaction.
func (t *Transaction) Aggregate(a AggregationQuery) (AggregationResult, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}

	return a.run(t.ctx, t.id)
}

// Create stages the creation of the document.
func (t *Transaction) Create(ref *DocumentRef, data interface{}) error {
	if err := t.writable(); err != nil {
		return err
	}

	return t.staged.create(ref, data)
}

// Set stages a write of data to the document. Without
// merge options the document is replaced entirely.
func (t *Transaction) Set(ref *DocumentRef, data interface{}, opts ...Options) error {
	if err := t.writable(); err != nil {
		return err
	}

	return t.staged.set(ref, data, opts)
}

// Update stages a merge of data into an existing document.
func (t *Transaction) Update(ref *DocumentRef, data interface{}) error {
	if err := t.writable(); err != nil {
		return err
	}

	return t.staged.update(ref, data)
}

// Delete stages the deletion of the document.
func (t *Transaction) Delete(ref *DocumentRef) error {
	if err := t.writable(); err != nil {
		return err
	}

	return t.staged.delete(ref)
}

func (t *Transaction) commit() error {
	if err := t.active(); err != nil {
		return err
	}

	t.state = txCommitting

	if _, err := t.conn.commit(t.ctx, t.staged.writes, t.id); err != nil {
		t.state = txBegun
		return err
	}

	t.state = txCommitted
	return nil
}

// best effort; failures are only logged
func (t *Transaction) rollback() {
	if t.state == txCommitted || t.state == txRolledBack {
		return
	}

	t.state = txRolledBack

	request := &firestorepb.RollbackRequest{
		Database:    t.conn.databaseName(),
		Transaction: t.id,
	}

	ctx := context.WithoutCancel(t.ctx)
	if err := t.conn.do(ctx, http.MethodPost, t.conn.documentsRoot()+":rollback", nil, request, nil); err != nil {
		t.conn.logger.Debug("firelite rollback failed", "error", err)
	}
}
