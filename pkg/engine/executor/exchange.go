package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine/internal/util/dag"
	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/physical"
)

// exchange re-partitions the rows of its input sub-plans into a fixed set of
// output buckets. The exchange materializes at most once per execution
// context; every bucket pipeline of the same source node reads from the same
// buffered output. Materialized buckets stay owned by the exchange until the
// context is closed.
type exchange interface {
	// materialize executes the inputs and builds all output buckets. It is
	// safe to call from multiple goroutines; only the first call does work.
	materialize(ctx context.Context) error
	// records returns the buffered records of one output bucket.
	records(partition int) []arrow.Record
	// close releases all buffered state.
	close()
}

// exchangeFor returns the memoized exchange of a [physical.Shuffle] or
// [physical.Split] node, creating it on first use.
func (c *Context) exchangeFor(source physical.Node) (exchange, error) {
	c.exchanges.mtx.Lock()
	defer c.exchanges.mtx.Unlock()

	if ex, ok := c.exchanges.m[source.ID()]; ok {
		return ex, nil
	}

	var ex exchange
	switch source := source.(type) {
	case *physical.Shuffle:
		ex = newShuffleExchange(c, source)
	case *physical.Split:
		ex = newSplitExchange(c, source)
	default:
		return nil, fmt.Errorf("node %s of type %s cannot feed bucket nodes", source.ID(), source.Type())
	}
	c.exchanges.m[source.ID()] = ex
	return ex, nil
}

func (c *Context) executeBucket(ctx context.Context, node *physical.Bucket) Pipeline {
	children := c.plan.Children(node)
	if len(children) != 1 {
		return errorPipeline(ctx, fmt.Errorf("bucket node expects one input, got %d", len(children)))
	}
	ex, err := c.exchangeFor(children[0])
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return &bucketPipeline{source: ex, partition: node.Partition}
}

// materializeDescendants materializes every exchange feeding the given
// subtrees. It runs on the calling goroutine before any worker task touches
// the subtrees: tasks draining them afterwards read nested buckets straight
// from buffers and never wait on another task.
func (c *Context) materializeDescendants(ctx context.Context, nodes ...physical.Node) error {
	for _, node := range nodes {
		err := c.plan.DFSWalk(node, func(n physical.Node) error {
			bucket, ok := n.(*physical.Bucket)
			if !ok {
				return nil
			}
			children := c.plan.Children(bucket)
			if len(children) != 1 {
				return fmt.Errorf("bucket node expects one input, got %d", len(children))
			}
			ex, err := c.exchangeFor(children[0])
			if err != nil {
				return err
			}
			return ex.materialize(ctx)
		}, dag.PreOrderWalk)
		if err != nil {
			return err
		}
	}
	return nil
}

// subtreeHasBucket reports whether the sub-plan rooted at node contains a
// bucket node.
func (c *Context) subtreeHasBucket(node physical.Node) bool {
	found := false
	_ = c.plan.DFSWalk(node, func(n physical.Node) error {
		if n.Type() == physical.NodeTypeBucket {
			found = true
		}
		return nil
	}, dag.PreOrderWalk)
	return found
}

// do runs the tasks on the worker pool, or serially on the calling goroutine
// when the context has no pool.
func (c *Context) do(ctx context.Context, tasks []worker.Task) error {
	if c.pool != nil {
		return c.pool.Do(ctx, tasks...)
	}
	for _, task := range tasks {
		if err := task.Run(ctx); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	return nil
}

// bucketPipeline streams one output bucket of an exchange. The first read
// triggers materialization; records are retained on hand-over, so the
// buffered originals survive for retries and sibling consumers.
type bucketPipeline struct {
	source    exchange
	partition int
	cursor    int
}

var _ Pipeline = (*bucketPipeline)(nil)

// Read implements [Pipeline].
func (p *bucketPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if err := p.source.materialize(ctx); err != nil {
		return nil, err
	}
	records := p.source.records(p.partition)
	if p.cursor >= len(records) {
		return nil, EOF
	}
	rec := records[p.cursor]
	p.cursor++
	rec.Retain()
	return rec, nil
}

// Close implements [Pipeline]. The buffered records belong to the exchange
// and are released when the execution context closes.
func (p *bucketPipeline) Close() {}

// inputSlot buffers the drained rows of one input partition. Slots are
// written by exactly one drain task and read by bucket builds after all
// drains finished.
type inputSlot struct {
	records []arrow.Record
	rows    int64
}

// drain executes the sub-plan and buffers every record it emits. A restart
// of the task discards the partial buffer first, so retries recompute the
// slot from scratch.
func (s *inputSlot) drain(ctx context.Context, c *Context, node physical.Node) error {
	s.reset()

	pipe := c.execute(ctx, node)
	defer pipe.Close()

	for {
		rec, err := pipe.Read(ctx)
		if errors.Is(err, EOF) {
			return nil
		}
		if err != nil {
			s.reset()
			return err
		}
		s.records = append(s.records, rec)
		s.rows += rec.NumRows()
	}
}

func (s *inputSlot) reset() {
	releaseAll(s.records)
	s.records = nil
	s.rows = 0
}

func releaseAll(records []arrow.Record) {
	for _, rec := range records {
		if rec != nil {
			rec.Release()
		}
	}
}
