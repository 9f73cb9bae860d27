package firelite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
)

const (
	autoIDLength   = 20
	autoIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// A CollectionRef is a reference to a collection.
//
// It embeds the Query that selects every document in the
// collection, so Where, OrderBy and friends can be called
// on it directly.
//
// CollectionRef instances are immutable path handles; they
// hold no document data and are safe to create repeatedly.
type CollectionRef struct {
	Query

	// Parent is the document containing this collection,
	// or nil for a top-level collection.
	Parent *DocumentRef
	// ID is the last segment of the collection's path.
	ID string

	conn *Connection
	path string
	err  error
}

// A DocumentRef is a reference to a document, whether or not
// it exists.
//
// A DocumentRef without an ID can be constructed, but every
// data operation on it fails with ErrMissingDocumentID.
type DocumentRef struct {
	// Parent is the collection containing this document.
	Parent *CollectionRef
	// ID is the last segment of the document's path.
	ID string

	conn *Connection
	path string
	err  error
}

func newCollectionRef(conn *Connection, parent *DocumentRef, id string) *CollectionRef {
	path := id
	parentName := conn.documentsRoot()
	if parent != nil {
		path = parent.path + "/" + id
		parentName = parent.name()
	}

	return &CollectionRef{
		Query: Query{
			conn:         conn,
			parentName:   parentName,
			collectionID: id,
		},
		Parent: parent,
		ID:     id,
		conn:   conn,
		path:   path,
	}
}

func invalidCollection(conn *Connection, err error) *CollectionRef {
	return &CollectionRef{Query: Query{conn: conn, err: err}, conn: conn, err: err}
}

// split and validate a slash separated path
func splitPath(path string, collection bool) ([]string, error) {
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")

	for _, segment := range segments {
		if segment == "" {
			return nil, errors.Wrapf(ErrValidation, "firelite: path %q contains an empty segment", path)
		}
	}

	odd := len(segments)%2 == 1
	if collection && !odd {
		return nil, errors.Wrapf(ErrValidation, "firelite: %q is not a collection path", path)
	}

	if !collection && odd {
		return nil, errors.Wrapf(ErrValidation, "firelite: %q is not a document path", path)
	}

	return segments, nil
}

// Path returns the path of the collection relative to the
// database root (e.g. "users/alice/posts").
func (c *CollectionRef) Path() string {
	return c.path
}

// Doc returns a reference to the document with the given ID
// in this collection. An empty id is allowed here but fails
// every data operation with ErrMissingDocumentID.
func (c *CollectionRef) Doc(id string) *DocumentRef {
	if c.err != nil {
		return &DocumentRef{Parent: c, conn: c.conn, err: c.err}
	}

	if strings.Contains(id, "/") {
		return &DocumentRef{
			Parent: c,
			conn:   c.conn,
			err:    errors.Wrapf(ErrValidation, "firelite: document id %q cannot contain '/'", id),
		}
	}

	path := c.path
	if id != "" {
		path = c.path + "/" + id
	}

	return &DocumentRef{Parent: c, ID: id, conn: c.conn, path: path}
}

// NewDoc returns a reference to a document with a random
// 20-character alphanumeric ID. No request is made.
func (c *CollectionRef) NewDoc() *DocumentRef {
	return c.Doc(newAutoID())
}

// Add creates a document with the given data and a new ID.
//
// When data contains no transform sentinels the server
// assigns the ID; otherwise one is generated locally and the
// document is written with Create.
func (c *CollectionRef) Add(ctx context.Context, data interface{}) (*DocumentRef, *WriteResult, error) {
	if c.err != nil {
		return nil, nil, c.err
	}

	write, err := assembleWrite("", data, writeInsert, nil)
	if err != nil {
		return nil, nil, err
	}

	if len(write.GetUpdateTransforms()) > 0 {
		ref := c.NewDoc()
		result, err := ref.Create(ctx, data)
		if err != nil {
			return nil, nil, err
		}

		return ref, result, nil
	}

	var created firestorepb.Document
	body := &firestorepb.Document{Fields: write.GetUpdate().GetFields()}

	if err := c.conn.do(ctx, http.MethodPost, c.parentName+"/"+c.ID, nil, body, &created); err != nil {
		return nil, nil, err
	}

	ref, err := c.conn.docRefFromName(created.GetName())
	if err != nil {
		return nil, nil, err
	}

	return ref, &WriteResult{UpdateTime: timeOf(created.GetUpdateTime())}, nil
}

// ListDocuments returns an iterator over every document in
// the collection, fetched pageSize at a time (server default
// when pageSize <= 0).
func (c *CollectionRef) ListDocuments(ctx context.Context, pageSize int) *DocumentIterator {
	if c.err != nil {
		return errorIterator(c.err)
	}

	pageToken := ""

	return &DocumentIterator{
		fetch: func() ([]*DocumentSnapshot, bool, error) {
			query := url.Values{}
			if pageSize > 0 {
				query.Set("pageSize", strconv.Itoa(pageSize))
			}

			if pageToken != "" {
				query.Set("pageToken", pageToken)
			}

			var page firestorepb.ListDocumentsResponse
			if err := c.conn.do(ctx, http.MethodGet, c.parentName+"/"+c.ID, query, nil, &page); err != nil {
				return nil, false, err
			}

			docs := make([]*DocumentSnapshot, 0, len(page.GetDocuments()))
			for _, doc := range page.GetDocuments() {
				snap, err := c.conn.newSnapshot(doc)
				if err != nil {
					return nil, false, err
				}

				docs = append(docs, snap)
			}

			pageToken = page.GetNextPageToken()
			return docs, pageToken != "", nil
		},
	}
}

// Path returns the path of the document relative to the
// database root (e.g. "users/alice").
func (d *DocumentRef) Path() string {
	return d.path
}

// Collection returns a reference to a subcollection of
// this document.
func (d *DocumentRef) Collection(id string) *CollectionRef {
	if err := d.check(); err != nil {
		return invalidCollection(d.conn, err)
	}

	if id == "" || strings.Contains(id, "/") {
		return invalidCollection(d.conn, errors.Wrapf(ErrValidation, "firelite: invalid collection id %q", id))
	}

	return newCollectionRef(d.conn, d, id)
}

// full resource name
func (d *DocumentRef) name() string {
	return d.conn.documentsRoot() + "/" + d.path
}

// fail data operations on malformed or ID-less references
func (d *DocumentRef) check() error {
	if d == nil {
		return errors.New("firelite: nil DocumentRef")
	}

	if d.err != nil {
		return d.err
	}

	if d.ID == "" {
		return errors.WithStack(ErrMissingDocumentID)
	}

	return nil
}

// Get reads the document. A document that does not exist is
// not an error: the returned snapshot's Exists reports false.
func (d *DocumentRef) Get(ctx context.Context) (*DocumentSnapshot, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	return d.get(ctx, nil)
}

// read the document, optionally inside a transaction
func (d *DocumentRef) get(ctx context.Context, transaction []byte) (*DocumentSnapshot, error) {
	var query url.Values
	if transaction != nil {
		query = url.Values{"transaction": {base64.StdEncoding.EncodeToString(transaction)}}
	}

	status, body, err := d.conn.send(ctx, http.MethodGet, d.name(), query, nil)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		return &DocumentSnapshot{Ref: d}, nil
	}

	if !isSuccess(status) {
		return nil, responseError(status, body)
	}

	var doc firestorepb.Document
	if err := decodeMessage(body, &doc); err != nil {
		return nil, err
	}

	return d.conn.newSnapshot(&doc)
}

// Create creates the document with the given data.
//
// The document is read first and, if it already exists,
// Create fails with ErrAlreadyExists without writing. The
// write itself also carries a must-not-exist precondition,
// so a document created between the read and the write
// still fails the call.
func (d *DocumentRef) Create(ctx context.Context, data interface{}) (*WriteResult, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	write, err := assembleWrite(d.name(), data, writeInsert, nil)
	if err != nil {
		return nil, err
	}

	snap, err := d.get(ctx, nil)
	if err != nil {
		return nil, err
	}

	if snap.Exists() {
		return nil, errors.Wrapf(ErrAlreadyExists, "firelite: %s", d.path)
	}

	return d.conn.writeOne(ctx, write)
}

// Set writes data to the document.
//
// With Merge or MergeFields options only the named fields
// are touched and the document is created if missing.
//
// Without them, Set replaces the document in three separate
// requests: read, delete if it exists, then create. The
// sequence is not atomic. If the delete succeeds and the
// create fails, the document stays deleted, and a concurrent
// create between the steps makes Set fail with
// ErrAlreadyExists. Use a WriteBatch or Transaction for an
// atomic overwrite.
func (d *DocumentRef) Set(ctx context.Context, data interface{}, opts ...Options) (*WriteResult, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	options := firstOptions(opts)

	if options.merge {
		write, err := assembleWrite(d.name(), data, writeMerge, options.mergeFields)
		if err != nil {
			return nil, err
		}

		return d.conn.writeOne(ctx, write)
	}

	write, err := assembleWrite(d.name(), data, writeInsert, nil)
	if err != nil {
		return nil, err
	}

	snap, err := d.get(ctx, nil)
	if err != nil {
		return nil, err
	}

	if snap.Exists() {
		if err := d.Delete(ctx); err != nil {
			return nil, err
		}
	}

	return d.conn.writeOne(ctx, write)
}

// Update merges data into an existing document. Fields set
// to Delete are removed. It fails with ErrNotFound if the
// document does not exist.
func (d *DocumentRef) Update(ctx context.Context, data interface{}) (*WriteResult, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	write, err := assembleWrite(d.name(), data, writeMerge, nil)
	if err != nil {
		return nil, err
	}

	write.CurrentDocument = existsPrecondition(true)

	return d.conn.writeOne(ctx, write)
}

// Delete deletes the document. Deleting a document that does
// not exist succeeds.
func (d *DocumentRef) Delete(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}

	status, body, err := d.conn.send(ctx, http.MethodDelete, d.name(), nil, nil)
	if err != nil {
		return err
	}

	if status == http.StatusNotFound || isSuccess(status) {
		return nil
	}

	return responseError(status, body)
}

// writeOne applies a single write with the narrowest request
// that can express it: commit when it carries transforms,
// create for an insert, otherwise patch.
func (c *Connection) writeOne(ctx context.Context, write *firestorepb.Write) (*WriteResult, error) {
	// a PATCH without mask parameters replaces the whole document,
	// so an empty merge mask can only be expressed through commit
	emptyMask := write.GetUpdateMask() != nil && len(write.GetUpdateMask().GetFieldPaths()) == 0

	if len(write.GetUpdateTransforms()) > 0 || write.GetUpdate() == nil || emptyMask {
		results, err := c.commit(ctx, []*firestorepb.Write{write}, nil)
		if err != nil {
			return nil, err
		}

		if len(results) == 0 {
			return &WriteResult{}, nil
		}

		return results[0], nil
	}

	doc := write.GetUpdate()
	var written firestorepb.Document

	if pre := write.GetCurrentDocument(); pre != nil && !pre.GetExists() {
		ref, err := c.docRefFromName(doc.GetName())
		if err != nil {
			return nil, err
		}

		query := url.Values{"documentId": {ref.ID}}
		body := &firestorepb.Document{Fields: doc.GetFields()}

		if err := c.do(ctx, http.MethodPost, ref.Parent.parentName+"/"+ref.Parent.ID, query, body, &written); err != nil {
			return nil, err
		}

		return &WriteResult{UpdateTime: timeOf(written.GetUpdateTime())}, nil
	}

	query := url.Values{}
	if mask := write.GetUpdateMask(); mask != nil {
		for _, field := range mask.GetFieldPaths() {
			query.Add("updateMask.fieldPaths", field)
		}
	}

	if pre := write.GetCurrentDocument(); pre != nil {
		query.Set("currentDocument.exists", strconv.FormatBool(pre.GetExists()))
	}

	if err := c.do(ctx, http.MethodPatch, doc.GetName(), query, doc, &written); err != nil {
		return nil, err
	}

	return &WriteResult{UpdateTime: timeOf(written.GetUpdateTime())}, nil
}

// 20 characters drawn uniformly from [A-Za-z0-9]
func newAutoID() string {
	id := make([]byte, 0, autoIDLength)
	buf := make([]byte, autoIDLength*2)

	for len(id) < autoIDLength {
		if _, err := rand.Read(buf); err != nil {
			panic("firelite: crypto/rand failed: " + err.Error())
		}

		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256
			if b >= 248 {
				continue
			}

			id = append(id, autoIDAlphabet[int(b)%len(autoIDAlphabet)])
			if len(id) == autoIDLength {
				break
			}
		}
	}

	return string(id)
}
