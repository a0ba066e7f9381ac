package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// executeProjection builds a pipeline narrowing records to a subset of
// columns, in the given order. Columns are shared with the input records,
// not copied.
func (c *Context) executeProjection(ctx context.Context, node *physical.Projection, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}
	if len(inputs) > 1 {
		return errorPipeline(ctx, fmt.Errorf("projection expects one input, got %d", len(inputs)))
	}
	if len(node.Columns) == 0 {
		return errorPipeline(ctx, errors.New("projection expects at least one column"))
	}
	columns := columnNames(node.Columns)

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		rec, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		projected, err := projectRecord(rec, columns)
		rec.Release()
		if err != nil {
			return nil, err
		}
		return projected, nil
	}, inputs[0])
}
