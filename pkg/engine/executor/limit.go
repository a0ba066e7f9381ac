package executor

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// executeLimit builds a pipeline that skips the first Skip rows of its input
// and emits at most Fetch rows after that. A Fetch of 0 means no upper
// bound. Batches are cut with zero-copy slices.
func (c *Context) executeLimit(ctx context.Context, node *physical.Limit, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}
	if len(inputs) > 1 {
		return errorPipeline(ctx, fmt.Errorf("limit expects one input, got %d", len(inputs)))
	}

	var skipped, emitted int64
	skip, fetch := int64(node.Skip), int64(node.Fetch)

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		for {
			if fetch > 0 && emitted >= fetch {
				return nil, EOF
			}

			rec, err := inputs[0].Read(ctx)
			if err != nil {
				return nil, err
			}

			if skipped < skip {
				toSkip := skip - skipped
				if rec.NumRows() <= toSkip {
					skipped += rec.NumRows()
					rec.Release()
					continue
				}
				sliced := rec.NewSlice(toSkip, rec.NumRows())
				rec.Release()
				rec = sliced
				skipped = skip
			}

			if fetch > 0 {
				remaining := fetch - emitted
				if rec.NumRows() > remaining {
					sliced := rec.NewSlice(0, remaining)
					rec.Release()
					rec = sliced
				}
				emitted += rec.NumRows()
			}
			return rec, nil
		}
	}, inputs[0])
}
