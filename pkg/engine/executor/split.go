package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// splitExchange divides its input into chunks of near-equal row count,
// preserving row order. The input is drained once into a buffer; the chunks
// are slices into the buffered records, so no rows are copied.
type splitExchange struct {
	c     *Context
	node  *physical.Split
	input physical.Node

	once sync.Once
	err  error

	slot    inputSlot
	buckets [][]arrow.Record
}

var _ exchange = (*splitExchange)(nil)

func newSplitExchange(c *Context, node *physical.Split) *splitExchange {
	inputs := c.plan.Children(node)
	ex := &splitExchange{c: c, node: node}
	if len(inputs) == 1 {
		ex.input = inputs[0]
	}
	return ex
}

func (e *splitExchange) materialize(ctx context.Context) error {
	e.once.Do(func() { e.err = e.run(ctx) })
	return e.err
}

func (e *splitExchange) run(ctx context.Context) error {
	if e.input == nil {
		return fmt.Errorf("split node %s expects one input", e.node.ID())
	}
	if err := e.c.materializeDescendants(ctx, e.input); err != nil {
		return err
	}

	// The chunks slice into the buffered records and retain their data, so
	// the buffer itself can go once the chunks are built.
	defer e.slot.reset()

	inline := e.c.inline()
	drain := worker.Task{
		ID:  fmt.Sprintf("split/%s/input", e.node.ID()),
		Run: func(ctx context.Context) error { return e.slot.drain(ctx, inline, e.input) },
	}
	if err := e.c.do(ctx, []worker.Task{drain}); err != nil {
		return err
	}

	partitions := e.node.Partitions
	e.buckets = make([][]arrow.Record, partitions)

	// Chunk sizes differ by at most one row, with the earlier chunks taking
	// the remainder.
	sizes := make([]int64, partitions)
	base, extra := e.slot.rows/int64(partitions), e.slot.rows%int64(partitions)
	for p := range sizes {
		sizes[p] = base
		if int64(p) < extra {
			sizes[p]++
		}
	}

	p := 0
	for _, rec := range e.slot.records {
		var off int64
		for off < rec.NumRows() {
			for p < len(sizes) && sizes[p] == 0 {
				p++
			}
			if p == len(sizes) {
				break
			}
			take := min(sizes[p], rec.NumRows()-off)
			e.buckets[p] = append(e.buckets[p], rec.NewSlice(off, off+take))
			sizes[p] -= take
			off += take
		}
	}
	return nil
}

// records implements [exchange].
func (e *splitExchange) records(partition int) []arrow.Record {
	if partition < 0 || partition >= len(e.buckets) {
		return nil
	}
	return e.buckets[partition]
}

// close implements [exchange].
func (e *splitExchange) close() {
	e.slot.reset()
	for i := range e.buckets {
		releaseAll(e.buckets[i])
		e.buckets[i] = nil
	}
}
