package firelite

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/api/iterator"
)

// maximum writes per commit request
const maxBatchWrites = 500

// A TypedCollection holds a reference to a collection
// whose documents all decode into T, and allows for the
// fetching and modifying of documents in it as T values.
//
// TypedCollection instances are lightweight and safe to
// create repeatedly. They can be freely used as needed,
// without concern for maintaining a singleton instance,
// as each instance independently references the
// specified collection.
type TypedCollection[T interface{}] struct {
	ref *CollectionRef
}

// A Document holds the ID and data of a fetched
// document.
type Document[T interface{}] struct {
	ID   string
	Data T
}

// Create a new TypedCollection instance.
//
// A TypedCollection holds a reference to a collection
// whose documents all decode into T, and allows for the
// fetching and modifying of documents in it as T values.
//
// The path argument is a sequence of IDs,
// separated by slashes.
//
// Returns nil if the connection is nil. A malformed
// path is reported by the first operation.
func CollectionOf[T interface{}](connection *Connection, path string) *TypedCollection[T] {
	if connection == nil {
		return nil
	}

	return &TypedCollection[T]{connection.Collection(path)}
}

// Ref returns the untyped reference to the collection.
func (c *TypedCollection[T]) Ref() *CollectionRef {
	return c.ref
}

// Query returns a Query over every document in the
// collection, to be narrowed with Where, OrderBy etc.
func (c *TypedCollection[T]) Query() Query {
	return c.ref.Query
}

// Create a document with provided data.
//
// By default, the server generates a unique document
// ID. Use Options.CustomID to change this behaviour.
// Creating a document whose ID is already taken fails
// with ErrAlreadyExists.
func (c *TypedCollection[T]) Create(ctx context.Context, data *T, opts ...Options) (string, error) {
	if c == nil {
		return "", errors.New("firelite: nil TypedCollection")
	}

	if data == nil {
		return "", errors.Wrap(ErrValidation, "firelite: nil data")
	}

	id := firstOptions(opts).id
	if id == "" {
		docRef, _, err := c.ref.Add(ctx, data)
		if err != nil {
			return "", err
		}

		return docRef.ID, nil
	}

	if _, err := c.ref.Doc(id).Create(ctx, data); err != nil {
		return "", err
	}

	return id, nil
}

// Update all documents which match provided Query.
//
// By default, passed in data fields will be merged,
// preserving the existing document fields. Use
// Options.MergeFields to restrict the fields written.
//
// If no documents match the provided Query, the
// operation does nothing and no error is returned.
//
// Matching documents are written in batches of 500; each
// batch is atomic, the operation as a whole is not.
func (c *TypedCollection[T]) Update(ctx context.Context, query Query, data *T, opts ...Options) error {
	if c == nil {
		return errors.New("firelite: nil TypedCollection")
	}

	if data == nil {
		return errors.Wrap(ErrValidation, "firelite: nil data")
	}

	options := firstOptions(opts)
	if !options.merge {
		options = options.Merge()
	}

	return c.bulkOperation(ctx, query, func(b *WriteBatch, ref *DocumentRef) error {
		if err := b.Set(ref, data, options); err != nil {
			return err
		}

		// Set with merge creates missing documents; Update must not
		b.staged.writes[len(b.staged.writes)-1].CurrentDocument = existsPrecondition(true)
		return nil
	})
}

// Delete all documents which match provided Query.
//
// If no documents match the provided Query, the
// operation does nothing and no error is returned.
//
// Matching documents are deleted in batches of 500; each
// batch is atomic, the operation as a whole is not.
func (c *TypedCollection[T]) Delete(ctx context.Context, query Query) error {
	if c == nil {
		return errors.New("firelite: nil TypedCollection")
	}

	return c.bulkOperation(ctx, query, func(b *WriteBatch, ref *DocumentRef) error {
		return b.Delete(ref)
	})
}

// Find all documents which match provided Query.
func (c *TypedCollection[T]) Find(ctx context.Context, query Query) ([]Document[T], error) {
	if c == nil {
		return nil, errors.New("firelite: nil TypedCollection")
	}

	return c.fetchDocsByQuery(ctx, query)
}

// Find the first document which matches provided
// Query.
//
// Returns an empty Document[T] (empty ID string and
// zero-value T Data), and no error if no documents
// are found.
func (c *TypedCollection[T]) FindOne(ctx context.Context, query Query) (Document[T], error) {
	if c == nil {
		return Document[T]{}, errors.New("firelite: nil TypedCollection")
	}

	docs, err := c.fetchDocsByQuery(ctx, query.Limit(1))
	if err != nil || len(docs) == 0 {
		return Document[T]{}, err
	}

	return docs[0], nil
}

// Find the documents with the given IDs.
//
// Documents that do not exist are skipped, so the
// result may be shorter than ids. Found documents are
// returned in the order of ids.
func (c *TypedCollection[T]) FindByID(ctx context.Context, ids ...string) ([]Document[T], error) {
	if c == nil {
		return nil, errors.New("firelite: nil TypedCollection")
	}

	if c.ref.err != nil {
		return nil, c.ref.err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	refs := make([]*DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = c.ref.Doc(id)
	}

	snaps, err := c.ref.conn.GetAll(ctx, refs)
	if err != nil {
		return nil, err
	}

	var docs []Document[T]

	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}

		doc, err := decodeDocument[T](snap)
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// Find number of documents which match provided
// Query.
func (c *TypedCollection[T]) Count(ctx context.Context, query Query) (int64, error) {
	if c == nil {
		return 0, errors.New("firelite: nil TypedCollection")
	}

	return query.Count(ctx)
}

// perform a write on every matching document, committing
// a batch every maxBatchWrites documents
func (c *TypedCollection[T]) bulkOperation(
	ctx context.Context,
	query Query,
	operation func(*WriteBatch, *DocumentRef) error,
) error {
	// only names are needed
	iter := query.Select().Documents(ctx)
	defer iter.Stop()

	conn := c.ref.conn
	batch := conn.Batch()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}

		if err != nil {
			return err
		}

		if err := operation(batch, snap.Ref); err != nil {
			return errors.Wrapf(err, "firelite: staging %s", snap.Ref.Path())
		}

		if batch.Len() == maxBatchWrites {
			if _, err := batch.Commit(ctx); err != nil {
				return err
			}

			batch = conn.Batch()
		}
	}

	_, err := batch.Commit(ctx)
	return err
}

// fetch documents based on provided Query
func (c *TypedCollection[T]) fetchDocsByQuery(ctx context.Context, query Query) ([]Document[T], error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}

		if err != nil {
			return nil, err
		}

		doc, err := decodeDocument[T](snap)
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

func decodeDocument[T interface{}](snap *DocumentSnapshot) (Document[T], error) {
	var data T

	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, errors.Wrapf(err, "firelite: decoding %s", snap.Ref.Path())
	}

	return Document[T]{snap.ID(), data}, nil
}
