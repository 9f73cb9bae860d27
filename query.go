package firelite

import (
	"context"
	"math"
	"reflect"
	"slices"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DocumentID is the special field name that refers to the
// ID of a document, for use in Where, OrderBy and Select.
const DocumentID = "__name__"

// Direction is the sort direction of an OrderBy clause.
type Direction int32

const (
	// Asc sorts results from smallest to largest.
	Asc Direction = Direction(firestorepb.StructuredQuery_ASCENDING)
	// Desc sorts results from largest to smallest.
	Desc Direction = Direction(firestorepb.StructuredQuery_DESCENDING)
)

// wire tokens for each comparison operator
var fieldOperators = map[string]firestorepb.StructuredQuery_FieldFilter_Operator{
	"==":                 firestorepb.StructuredQuery_FieldFilter_EQUAL,
	"!=":                 firestorepb.StructuredQuery_FieldFilter_NOT_EQUAL,
	"<":                  firestorepb.StructuredQuery_FieldFilter_LESS_THAN,
	"<=":                 firestorepb.StructuredQuery_FieldFilter_LESS_THAN_OR_EQUAL,
	">":                  firestorepb.StructuredQuery_FieldFilter_GREATER_THAN,
	">=":                 firestorepb.StructuredQuery_FieldFilter_GREATER_THAN_OR_EQUAL,
	"array-contains":     firestorepb.StructuredQuery_FieldFilter_ARRAY_CONTAINS,
	"array-contains-any": firestorepb.StructuredQuery_FieldFilter_ARRAY_CONTAINS_ANY,
	"in":                 firestorepb.StructuredQuery_FieldFilter_IN,
	"not-in":             firestorepb.StructuredQuery_FieldFilter_NOT_IN,
}

// operators whose operand must be an array
var listOperators = map[string]bool{
	"array-contains-any": true,
	"in":                 true,
	"not-in":             true,
}

// A Query describes which documents to read and how.
//
// Query values are immutable. Each Query method creates
// a new instance - it does not modify the old - so a base
// query can safely be branched into several variants.
//
// A Query is obtained from a CollectionRef (which embeds
// one) or from Connection.CollectionGroup.
type Query struct {
	conn           *Connection
	parentName     string
	collectionID   string
	allDescendants bool

	filters     []*firestorepb.StructuredQuery_Filter
	orders      []*firestorepb.StructuredQuery_Order
	limit       *wrapperspb.Int32Value
	limitToLast bool
	offset      int32
	startAt     *firestorepb.Cursor
	endAt       *firestorepb.Cursor
	projection  []string
	selected    bool

	// first construction error, reported when the query runs
	err error
}

// Where returns a new Query that keeps only documents whose
// field satisfies the comparison.
//
// operator is one of "==", "!=", "<", "<=", ">", ">=",
// "array-contains", "array-contains-any", "in" or "not-in".
// Comparing with nil or NaN using "==" or "!=" becomes the
// corresponding null or NaN check. Multiple Where calls
// are combined with AND.
func (q Query) Where(field, operator string, value interface{}) Query {
	if q.err != nil {
		return q
	}

	if field == "" {
		q.err = errors.Wrap(ErrValidation, "firelite: Where requires a field")
		return q
	}

	op, ok := fieldOperators[operator]
	if !ok {
		q.err = errors.Wrapf(ErrValidation, "firelite: invalid operator %q", operator)
		return q
	}

	if filter, ok := unaryFilter(field, operator, value); ok {
		q.filters = append(slices.Clip(q.filters), filter)
		return q
	}

	if listOperators[operator] {
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			q.err = errors.Wrapf(ErrValidation, "firelite: operator %q requires a slice value", operator)
			return q
		}

		if rv.Len() == 0 {
			q.err = errors.Wrapf(ErrValidation, "firelite: operator %q requires a non-empty slice", operator)
			return q
		}
	}

	encoded, err := encodeReflect(field, reflect.ValueOf(value))
	if err != nil {
		q.err = err
		return q
	}

	q.filters = append(slices.Clip(q.filters), &firestorepb.StructuredQuery_Filter{
		FilterType: &firestorepb.StructuredQuery_Filter_FieldFilter{
			FieldFilter: &firestorepb.StructuredQuery_FieldFilter{
				Field: fieldRef(field),
				Op:    op,
				Value: encoded,
			},
		},
	})

	return q
}

// null and NaN comparisons are expressed as unary filters
func unaryFilter(field, operator string, value interface{}) (*firestorepb.StructuredQuery_Filter, bool) {
	if operator != "==" && operator != "!=" {
		return nil, false
	}

	var op firestorepb.StructuredQuery_UnaryFilter_Operator

	switch {
	case isNil(value):
		op = firestorepb.StructuredQuery_UnaryFilter_IS_NULL
		if operator == "!=" {
			op = firestorepb.StructuredQuery_UnaryFilter_IS_NOT_NULL
		}
	case isNaN(value):
		op = firestorepb.StructuredQuery_UnaryFilter_IS_NAN
		if operator == "!=" {
			op = firestorepb.StructuredQuery_UnaryFilter_IS_NOT_NAN
		}
	default:
		return nil, false
	}

	return &firestorepb.StructuredQuery_Filter{
		FilterType: &firestorepb.StructuredQuery_Filter_UnaryFilter{
			UnaryFilter: &firestorepb.StructuredQuery_UnaryFilter{
				Op:           op,
				OperandType: &firestorepb.StructuredQuery_UnaryFilter_Field{Field: fieldRef(field)},
			},
		},
	}, true
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}

	return false
}

func isNaN(v interface{}) bool {
	switch f := v.(type) {
	case float64:
		return math.IsNaN(f)
	case float32:
		return math.IsNaN(float64(f))
	}

	return false
}

func fieldRef(field string) *firestorepb.StructuredQuery_FieldReference {
	return &firestorepb.StructuredQuery_FieldReference{FieldPath: field}
}

// OrderBy returns a new Query with an additional sort key.
// Sort keys apply in the order they were added.
func (q Query) OrderBy(field string, dir Direction) Query {
	if q.err != nil {
		return q
	}

	if field == "" {
		q.err = errors.Wrap(ErrValidation, "firelite: OrderBy requires a field")
		return q
	}

	if dir != Asc && dir != Desc {
		q.err = errors.Wrapf(ErrValidation, "firelite: invalid direction %d", dir)
		return q
	}

	q.orders = append(slices.Clip(q.orders), &firestorepb.StructuredQuery_Order{
		Field:     fieldRef(field),
		Direction: firestorepb.StructuredQuery_Direction(dir),
	})

	return q
}

// Limit returns a new Query that returns at most n
// documents. It replaces any earlier Limit or LimitToLast.
func (q Query) Limit(n int) Query {
	return q.setLimit(n, false)
}

// LimitToLast returns a new Query that returns the last n
// documents of the result, in the query's order.
//
// The request still asks the server for the first n
// documents of the query as written; the client reverses
// what comes back. Order the query in the opposite
// direction to the result wanted.
func (q Query) LimitToLast(n int) Query {
	return q.setLimit(n, true)
}

func (q Query) setLimit(n int, last bool) Query {
	if q.err != nil {
		return q
	}

	if n < 0 || n > math.MaxInt32 {
		q.err = errors.Wrapf(ErrValidation, "firelite: invalid limit %d", n)
		return q
	}

	q.limit = wrapperspb.Int32(int32(n))
	q.limitToLast = last

	return q
}

// Offset returns a new Query that skips the first n results.
func (q Query) Offset(n int) Query {
	if q.err != nil {
		return q
	}

	if n < 0 || n > math.MaxInt32 {
		q.err = errors.Wrapf(ErrValidation, "firelite: invalid offset %d", n)
		return q
	}

	q.offset = int32(n)
	return q
}

// StartAt returns a new Query that starts at the position
// given by values, including it. Values correspond
// positionally to the OrderBy keys.
func (q Query) StartAt(values ...interface{}) Query {
	return q.setCursor(true, true, values)
}

// StartAfter returns a new Query that starts just after the
// position given by values.
func (q Query) StartAfter(values ...interface{}) Query {
	return q.setCursor(true, false, values)
}

// EndAt returns a new Query that ends at the position given
// by values, including it.
func (q Query) EndAt(values ...interface{}) Query {
	return q.setCursor(false, false, values)
}

// EndBefore returns a new Query that ends just before the
// position given by values.
func (q Query) EndBefore(values ...interface{}) Query {
	return q.setCursor(false, true, values)
}

// before marks a cursor positioned ahead of the given
// values: inclusive for starts, exclusive for ends
func (q Query) setCursor(start, before bool, values []interface{}) Query {
	if q.err != nil {
		return q
	}

	if len(values) == 0 {
		q.err = errors.Wrap(ErrValidation, "firelite: cursor requires at least one value")
		return q
	}

	encoded := make([]*firestorepb.Value, len(values))
	for i, value := range values {
		v, err := encodeReflect("cursor", reflect.ValueOf(value))
		if err != nil {
			q.err = err
			return q
		}

		encoded[i] = v
	}

	cursor := &firestorepb.Cursor{Values: encoded, Before: before}
	if start {
		q.startAt = cursor
	} else {
		q.endAt = cursor
	}

	return q
}

// Select returns a new Query that only returns the given
// fields. Select with no fields returns documents with
// no data, only their names.
func (q Query) Select(fields ...string) Query {
	if q.err != nil {
		return q
	}

	q.projection = slices.Clone(fields)
	q.selected = true

	return q
}

// IsEqual reports whether q and other have the same
// filters, sort keys and limit. Offsets, cursors and
// projections are not compared.
func (q Query) IsEqual(other Query) bool {
	if !proto.Equal(q.where(), other.where()) {
		return false
	}

	if len(q.orders) != len(other.orders) {
		return false
	}

	for i := range q.orders {
		if !proto.Equal(q.orders[i], other.orders[i]) {
			return false
		}
	}

	return proto.Equal(q.limit, other.limit)
}

// where clause: omitted, a single filter, or an AND of all
func (q Query) where() *firestorepb.StructuredQuery_Filter {
	switch len(q.filters) {
	case 0:
		return nil
	case 1:
		return q.filters[0]
	}

	return &firestorepb.StructuredQuery_Filter{
		FilterType: &firestorepb.StructuredQuery_Filter_CompositeFilter{
			CompositeFilter: &firestorepb.StructuredQuery_CompositeFilter{
				Op:      firestorepb.StructuredQuery_CompositeFilter_AND,
				Filters: q.filters,
			},
		},
	}
}

// toProto builds the structured query. The projection is
// left out for aggregations.
func (q Query) toProto(withSelect bool) (*firestorepb.StructuredQuery, error) {
	if q.err != nil {
		return nil, q.err
	}

	if q.conn == nil || q.collectionID == "" {
		return nil, errors.Wrap(ErrValidation, "firelite: query has no collection")
	}

	sq := &firestorepb.StructuredQuery{
		From: []*firestorepb.StructuredQuery_CollectionSelector{{
			CollectionId:   q.collectionID,
			AllDescendants: q.allDescendants,
		}},
	}

	sq.Where = q.where()
	sq.OrderBy = q.orders
	sq.Limit = q.limit
	sq.Offset = q.offset
	sq.StartAt = q.startAt
	sq.EndAt = q.endAt

	if withSelect && q.selected {
		fields := q.projection
		if len(fields) == 0 {
			fields = []string{DocumentID}
		}

		refs := make([]*firestorepb.StructuredQuery_FieldReference, len(fields))
		for i, field := range fields {
			refs[i] = fieldRef(field)
		}

		sq.Select = &firestorepb.StructuredQuery_Projection{Fields: refs}
	}

	return sq, nil
}

// Documents returns an iterator over the query's results.
// The query runs on the first call to Next.
func (q Query) Documents(ctx context.Context) *DocumentIterator {
	done := false

	return &DocumentIterator{
		fetch: func() ([]*DocumentSnapshot, bool, error) {
			if done {
				return nil, false, nil
			}

			done = true
			docs, err := q.runQuery(ctx, nil)
			return docs, false, err
		},
	}
}

// GetAll runs the query and returns every result.
func (q Query) GetAll(ctx context.Context) ([]*DocumentSnapshot, error) {
	return q.runQuery(ctx, nil)
}

// run the query, optionally inside a transaction
func (q Query) runQuery(ctx context.Context, transaction []byte) ([]*DocumentSnapshot, error) {
	sq, err := q.toProto(true)
	if err != nil {
		return nil, err
	}

	request := &firestorepb.RunQueryRequest{
		Parent:    q.parentName,
		QueryType: &firestorepb.RunQueryRequest_StructuredQuery{StructuredQuery: sq},
	}

	if transaction != nil {
		request.ConsistencySelector = &firestorepb.RunQueryRequest_Transaction{Transaction: transaction}
	}

	var docs []*DocumentSnapshot

	err = q.conn.stream(ctx, q.parentName+":runQuery", request, func(raw []byte) error {
		var response firestorepb.RunQueryResponse
		if err := decodeMessage(raw, &response); err != nil {
			return err
		}

		if response.GetDocument() == nil {
			return nil
		}

		snap, err := q.conn.newSnapshot(response.GetDocument())
		if err != nil {
			return err
		}

		snap.ReadTime = timeOf(response.GetReadTime())
		docs = append(docs, snap)

		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.limitToLast {
		slices.Reverse(docs)
	}

	return docs, nil
}
