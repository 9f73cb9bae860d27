package firelite

import (
	"context"
	"net/http"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
)

// stagedWrites accumulates writes for a single atomic commit.
// It is shared by WriteBatch and Transaction.
type stagedWrites struct {
	conn   *Connection
	writes []*firestorepb.Write
}

func (s *stagedWrites) checkRef(ref *DocumentRef) error {
	if err := ref.check(); err != nil {
		return err
	}

	if ref.conn != s.conn {
		return errors.Wrap(ErrValidation, "firelite: document belongs to a different connection")
	}

	return nil
}

func (s *stagedWrites) create(ref *DocumentRef, data interface{}) error {
	return s.stage(ref, data, writeInsert, nil)
}

// set without merge replaces the whole document atomically
func (s *stagedWrites) set(ref *DocumentRef, data interface{}, opts []Options) error {
	options := firstOptions(opts)
	if options.merge {
		return s.stage(ref, data, writeMerge, options.mergeFields)
	}

	return s.stage(ref, data, writeReplace, nil)
}

func (s *stagedWrites) update(ref *DocumentRef, data interface{}) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}

	write, err := assembleWrite(ref.name(), data, writeMerge, nil)
	if err != nil {
		return err
	}

	write.CurrentDocument = existsPrecondition(true)
	s.writes = append(s.writes, write)

	return nil
}

func (s *stagedWrites) delete(ref *DocumentRef) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}

	s.writes = append(s.writes, deleteWrite(ref.name()))
	return nil
}

func (s *stagedWrites) stage(ref *DocumentRef, data interface{}, mode writeMode, mergeFields []string) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}

	write, err := assembleWrite(ref.name(), data, mode, mergeFields)
	if err != nil {
		return err
	}

	s.writes = append(s.writes, write)
	return nil
}

// A WriteBatch holds writes that are committed together
// atomically, in the order they were added.
//
// A WriteBatch is single-use: after a successful Commit
// every further call fails with ErrAlreadyCommitted. It
// must not be used from multiple goroutines at once.
type WriteBatch struct {
	staged    stagedWrites
	conn      *Connection
	committed bool
}

func (b *WriteBatch) open() error {
	if b == nil || b.conn == nil {
		return errors.New("firelite: WriteBatch must be created with Connection.Batch")
	}

	if b.committed {
		return errors.WithStack(ErrAlreadyCommitted)
	}

	b.staged.conn = b.conn
	return nil
}

// Create stages the creation of the document. The commit
// fails if the document already exists.
func (b *WriteBatch) Create(ref *DocumentRef, data interface{}) error {
	if err := b.open(); err != nil {
		return err
	}

	return b.staged.create(ref, data)
}

// Set stages a write of data to the document. Without
// merge options the document is replaced entirely.
func (b *WriteBatch) Set(ref *DocumentRef, data interface{}, opts ...Options) error {
	if err := b.open(); err != nil {
		return err
	}

	return b.staged.set(ref, data, opts)
}

// Update stages a merge of data into an existing document.
// The commit fails if the document does not exist.
func (b *WriteBatch) Update(ref *DocumentRef, data interface{}) error {
	if err := b.open(); err != nil {
		return err
	}

	return b.staged.update(ref, data)
}

// Delete stages the deletion of the document.
func (b *WriteBatch) Delete(ref *DocumentRef) error {
	if err := b.open(); err != nil {
		return err
	}

	return b.staged.delete(ref)
}

// Len returns the number of staged writes.
func (b *WriteBatch) Len() int {
	return len(b.staged.writes)
}

// Commit applies every staged write atomically and returns
// one WriteResult per write. An empty batch commits without
// contacting the server.
//
// If the commit fails, the batch is left uncommitted.
func (b *WriteBatch) Commit(ctx context.Context) ([]*WriteResult, error) {
	if err := b.open(); err != nil {
		return nil, err
	}

	if len(b.staged.writes) == 0 {
		b.committed = true
		return []*WriteResult{}, nil
	}

	results, err := b.conn.commit(ctx, b.staged.writes, nil)
	if err != nil {
		return nil, err
	}

	b.committed = true
	return results, nil
}

// commit sends writes in one commit request, inside the
// transaction when one is given
func (c *Connection) commit(ctx context.Context, writes []*firestorepb.Write, transaction []byte) ([]*WriteResult, error) {
	request := &firestorepb.CommitRequest{
		Database:    c.databaseName(),
		Writes:      writes,
		Transaction: transaction,
	}

	var response firestorepb.CommitResponse
	if err := c.do(ctx, http.MethodPost, c.documentsRoot()+":commit", nil, request, &response); err != nil {
		return nil, err
	}

	results := make([]*WriteResult, len(writes))
	for i := range writes {
		var r *firestorepb.WriteResult
		if i < len(response.GetWriteResults()) {
			r = response.GetWriteResults()[i]
		}

		results[i] = newWriteResult(r)
	}

	return results, nil
}
