package executor

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// executeFilter builds a pipeline that drops every row for which a predicate
// does not evaluate to true. Rows with a null predicate value are dropped,
// like rows with a false one.
func (c *Context) executeFilter(ctx context.Context, node *physical.Filter, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}
	if len(inputs) > 1 {
		return errorPipeline(ctx, fmt.Errorf("filter expects one input, got %d", len(inputs)))
	}

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		for {
			rec, err := inputs[0].Read(ctx)
			if err != nil {
				return nil, err
			}

			filtered, err := c.filterBatch(node.Predicates, rec)
			rec.Release()
			if err != nil {
				return nil, err
			}
			if filtered.NumRows() == 0 {
				filtered.Release()
				continue
			}
			return filtered, nil
		}
	}, inputs[0])
}

// filterBatch returns the rows of rec matching all predicates. The input
// record stays owned by the caller.
func (c *Context) filterBatch(predicates []physical.Expression, rec arrow.Record) (arrow.Record, error) {
	masks := make([]*array.Boolean, 0, len(predicates))
	defer func() { releaseMasks(masks) }()
	for _, pred := range predicates {
		mask, err := c.evaluator.evalBoolean(pred, rec)
		if err != nil {
			return nil, err
		}
		masks = append(masks, mask)
	}

	builder := array.NewRecordBuilder(c.alloc, rec.Schema())
	defer builder.Release()

	return filterRecord(builder, rec, func(i int) bool {
		for _, mask := range masks {
			if mask.IsNull(i) || !mask.Value(i) {
				return false
			}
		}
		return true
	})
}
