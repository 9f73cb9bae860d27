package firelite

import (
	"google.golang.org/api/iterator"
)

// A DocumentIterator is an iterator over documents.
//
// Next returns iterator.Done once every document has been
// returned. Pages are fetched lazily.
type DocumentIterator struct {
	// fetch returns the next page and whether more follow
	fetch func() ([]*DocumentSnapshot, bool, error)
	page  []*DocumentSnapshot
	more  bool
	err   error
	begun bool
}

// iterator over an already materialized result
func sliceIterator(docs []*DocumentSnapshot) *DocumentIterator {
	return &DocumentIterator{page: docs, begun: true}
}

func errorIterator(err error) *DocumentIterator {
	return &DocumentIterator{err: err, begun: true}
}

// Next returns the next document. Its second return value
// is iterator.Done if there are no more documents.
func (it *DocumentIterator) Next() (*DocumentSnapshot, error) {
	for {
		if it.err != nil {
			return nil, it.err
		}

		if len(it.page) > 0 {
			doc := it.page[0]
			it.page = it.page[1:]
			return doc, nil
		}

		if it.begun && !it.more {
			it.err = iterator.Done
			continue
		}

		it.begun = true
		it.page, it.more, it.err = it.fetch()
	}
}

// GetAll returns every remaining document.
func (it *DocumentIterator) GetAll() ([]*DocumentSnapshot, error) {
	var docs []*DocumentSnapshot

	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return docs, nil
		}

		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}
}

// Stop releases the iterator. It is safe to call more than once.
func (it *DocumentIterator) Stop() {
	if it.err == nil {
		it.err = iterator.Done
	}

	it.page = nil
}
