package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// executeMerge builds a pipeline concatenating its inputs in child order.
// Children are per-partition sub-plans ordered by partition, so merging
// range-partitioned children preserves index order.
//
// When no child has an exchange underneath, inputs are read ahead on the
// worker pool, one child beyond the one currently streaming. Exchange-fed
// merges stay on the calling goroutine: reading a bucket can trigger a
// materialization that waits for pool tasks of its own, and tasks must never
// wait on other tasks.
func (c *Context) executeMerge(_ context.Context, node *physical.Merge, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}

	prefetch := c.prefetch && c.pool != nil
	for _, child := range c.plan.Children(node) {
		if !prefetch {
			break
		}
		if c.subtreeHasBucket(child) {
			prefetch = false
		}
	}
	if prefetch {
		wrapped := make([]Pipeline, len(inputs))
		for i, input := range inputs {
			wrapped[i] = newPrefetchingPipeline(c.pool, fmt.Sprintf("prefetch/%s/%d", node.ID(), i), input)
		}
		inputs = wrapped
	}

	var current int
	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		for current < len(inputs) {
			// Start fetching the next input while this one streams.
			if next := current + 1; next < len(inputs) {
				if w, ok := inputs[next].(*prefetchWrapper); ok {
					w.init(ctx)
				}
			}

			rec, err := inputs[current].Read(ctx)
			if errors.Is(err, EOF) {
				current++
				continue
			}
			return rec, err
		}
		return nil, EOF
	}, inputs...)
}
