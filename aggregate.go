package firelite

import (
	"context"
	"slices"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
)

// An AggregationQuery computes aggregate values (count, sum,
// average) over the documents matched by a Query.
//
// Like Query, AggregationQuery values are immutable.
type AggregationQuery struct {
	query        Query
	aggregations []*firestorepb.StructuredAggregationQuery_Aggregation
	err          error
}

// AggregationResult maps each alias to its value: int64 for
// counts and integer sums, float64 otherwise.
type AggregationResult map[string]interface{}

// NewAggregationQuery returns an AggregationQuery over the
// documents matched by q. Projections on q are ignored.
func (q Query) NewAggregationQuery() AggregationQuery {
	return AggregationQuery{query: q}
}

// WithCount adds a count of the matched documents under alias.
func (a AggregationQuery) WithCount(alias string) AggregationQuery {
	return a.with(alias, &firestorepb.StructuredAggregationQuery_Aggregation{
		Operator: &firestorepb.StructuredAggregationQuery_Aggregation_Count_{
			Count: &firestorepb.StructuredAggregationQuery_Aggregation_Count{},
		},
	})
}

// WithSum adds the sum of the numeric values of field under alias.
func (a AggregationQuery) WithSum(field, alias string) AggregationQuery {
	if field == "" {
		a.err = errors.Wrap(ErrValidation, "firelite: sum requires a field")
		return a
	}

	return a.with(alias, &firestorepb.StructuredAggregationQuery_Aggregation{
		Operator: &firestorepb.StructuredAggregationQuery_Aggregation_Sum_{
			Sum: &firestorepb.StructuredAggregationQuery_Aggregation_Sum{Field: fieldRef(field)},
		},
	})
}

// WithAvg adds the average of the numeric values of field under alias.
func (a AggregationQuery) WithAvg(field, alias string) AggregationQuery {
	if field == "" {
		a.err = errors.Wrap(ErrValidation, "firelite: average requires a field")
		return a
	}

	return a.with(alias, &firestorepb.StructuredAggregationQuery_Aggregation{
		Operator: &firestorepb.StructuredAggregationQuery_Aggregation_Avg_{
			Avg: &firestorepb.StructuredAggregationQuery_Aggregation_Avg{Field: fieldRef(field)},
		},
	})
}

func (a AggregationQuery) with(alias string, agg *firestorepb.StructuredAggregationQuery_Aggregation) AggregationQuery {
	if a.err != nil {
		return a
	}

	if alias == "" {
		a.err = errors.Wrap(ErrValidation, "firelite: aggregation alias is required")
		return a
	}

	agg.Alias = alias
	a.aggregations = append(slices.Clip(a.aggregations), agg)

	return a
}

// Get runs the aggregation and returns one value per alias.
func (a AggregationQuery) Get(ctx context.Context) (AggregationResult, error) {
	return a.run(ctx, nil)
}

func (a AggregationQuery) run(ctx context.Context, transaction []byte) (AggregationResult, error) {
	if a.err != nil {
		return nil, a.err
	}

	if len(a.aggregations) == 0 {
		return nil, errors.Wrap(ErrValidation, "firelite: aggregation query has no aggregations")
	}

	sq, err := a.query.toProto(false)
	if err != nil {
		return nil, err
	}

	request := &firestorepb.RunAggregationQueryRequest{
		Parent: a.query.parentName,
		QueryType: &firestorepb.RunAggregationQueryRequest_StructuredAggregationQuery{
			StructuredAggregationQuery: &firestorepb.StructuredAggregationQuery{
				QueryType: &firestorepb.StructuredAggregationQuery_StructuredQuery{
					StructuredQuery: sq,
				},
				Aggregations: a.aggregations,
			},
		},
	}

	if transaction != nil {
		request.ConsistencySelector = &firestorepb.RunAggregationQueryRequest_Transaction{
			Transaction: transaction,
		}
	}

	var fields map[string]*firestorepb.Value

	conn := a.query.conn
	err = conn.stream(ctx, a.query.parentName+":runAggregationQuery", request, func(raw []byte) error {
		if fields != nil {
			return nil
		}

		var response firestorepb.RunAggregationQueryResponse
		if err := decodeMessage(raw, &response); err != nil {
			return err
		}

		if result := response.GetResult(); result != nil {
			fields = result.GetAggregateFields()
			if fields == nil {
				fields = map[string]*firestorepb.Value{}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make(AggregationResult, len(a.aggregations))
	for _, agg := range a.aggregations {
		result[agg.GetAlias()] = aggregateValue(fields[agg.GetAlias()])
	}

	return result, nil
}

// numeric tags decode as-is, anything else as zero
func aggregateValue(v *firestorepb.Value) interface{} {
	switch x := v.GetValueType().(type) {
	case *firestorepb.Value_IntegerValue:
		return x.IntegerValue
	case *firestorepb.Value_DoubleValue:
		return x.DoubleValue
	}

	return int64(0)
}

// Count returns the number of documents matched by the query.
func (q Query) Count(ctx context.Context) (int64, error) {
	result, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, err
	}

	count, _ := result["count"].(int64)
	return count, nil
}
