package firelite

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"golang.org/x/sync/errgroup"
)

const (
	// documents per batchGet request
	maxBatchGetSize = 100
	// batchGet requests in flight at once
	maxBatchGetConcurrency = 4
)

// GetAll reads the documents refs point to. The result has
// one snapshot per ref, in the same order; documents that
// do not exist have Exists() == false.
func (c *Connection) GetAll(ctx context.Context, refs []*DocumentRef) ([]*DocumentSnapshot, error) {
	return c.getAll(ctx, refs, nil)
}

func (c *Connection) getAll(ctx context.Context, refs []*DocumentRef, transaction []byte) ([]*DocumentSnapshot, error) {
	names := make([]string, len(refs))
	for i, ref := range refs {
		if err := ref.check(); err != nil {
			return nil, err
		}

		names[i] = ref.name()
	}

	var mu sync.Mutex
	found := make(map[string]*DocumentSnapshot, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchGetConcurrency)

	for start := 0; start < len(names); start += maxBatchGetSize {
		end := min(start+maxBatchGetSize, len(names))
		chunk := names[start:end]

		g.Go(func() error {
			snaps, err := c.batchGet(gctx, chunk, transaction)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()

			for name, snap := range snaps {
				found[name] = snap
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]*DocumentSnapshot, len(refs))
	for i, ref := range refs {
		snap, ok := found[names[i]]
		if !ok || !snap.exists {
			docs[i] = &DocumentSnapshot{Ref: ref}
			if ok {
				docs[i].ReadTime = snap.ReadTime
			}

			continue
		}

		// keep the caller's reference
		withRef := *snap
		withRef.Ref = ref
		docs[i] = &withRef
	}

	return docs, nil
}

// one batchGet request, keyed by document name
func (c *Connection) batchGet(ctx context.Context, names []string, transaction []byte) (map[string]*DocumentSnapshot, error) {
	request := &firestorepb.BatchGetDocumentsRequest{
		Database:  c.databaseName(),
		Documents: names,
	}

	if transaction != nil {
		request.ConsistencySelector = &firestorepb.BatchGetDocumentsRequest_Transaction{Transaction: transaction}
	}

	snaps := make(map[string]*DocumentSnapshot, len(names))

	err := c.stream(ctx, c.documentsRoot()+":batchGet", request, func(raw []byte) error {
		var response firestorepb.BatchGetDocumentsResponse
		if err := decodeMessage(raw, &response); err != nil {
			return err
		}

		readTime := timeOf(response.GetReadTime())

		switch result := response.GetResult().(type) {
		case *firestorepb.BatchGetDocumentsResponse_Found:
			snap, err := c.newSnapshot(result.Found)
			if err != nil {
				return err
			}

			snap.ReadTime = readTime
			snaps[result.Found.GetName()] = snap
		case *firestorepb.BatchGetDocumentsResponse_Missing:
			snaps[result.Missing] = &DocumentSnapshot{ReadTime: readTime}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snaps, nil
}
