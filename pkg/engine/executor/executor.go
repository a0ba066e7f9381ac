// Package executor evaluates physical plans as trees of pull-based record
// pipelines. Scans open their partition lazily on the first read; shuffles
// and splits buffer their inputs once per execution context and serve every
// downstream bucket from the buffer, scheduling drains and bucket builds on
// the worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel"

	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/storage/memstore"
)

var tracer = otel.Tracer("pkg/engine/executor")

const defaultBatchSize = 8192

// Config holds the resources and tuning knobs of an execution context.
type Config struct {
	// BatchSize is the target number of rows per record built by rebatching
	// operators such as shuffles and aggregations.
	BatchSize int64 `yaml:"batch_size"`
	// Prefetch reads merge inputs ahead on the worker pool.
	Prefetch bool `yaml:"prefetch"`

	// Bucket serves the CSV objects of source tables.
	Bucket objstore.Bucket `yaml:"-"`
	// Store serves the partitions of persisted tables.
	Store *memstore.Store `yaml:"-"`
	// Pool runs drains, bucket builds, and prefetches. A nil pool executes
	// everything on the calling goroutine.
	Pool *worker.Pool `yaml:"-"`
}

// Stats is a snapshot of the counters of one execution.
type Stats struct {
	// PartitionsScanned is the number of source partitions opened.
	PartitionsScanned int64
	// RowsRead is the number of rows read from source partitions, before
	// filtering.
	RowsRead int64
	// BytesRead is the number of bytes fetched from storage.
	BytesRead int64
	// RowsShuffled is the number of rows buffered by shuffles.
	RowsShuffled int64
}

type stats struct {
	partitionsScanned atomic.Int64
	rowsRead          atomic.Int64
	bytesRead         atomic.Int64
	rowsShuffled      atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		PartitionsScanned: s.partitionsScanned.Load(),
		RowsRead:          s.rowsRead.Load(),
		BytesRead:         s.bytesRead.Load(),
		RowsShuffled:      s.rowsShuffled.Load(),
	}
}

type exchangeMap struct {
	mtx sync.Mutex
	m   map[string]exchange
}

// Context carries the shared state of one plan execution: the storage
// handles, the worker pool, and the exchanges materialized so far. Exchanges
// are memoized by node ID, so all pipelines built from the same context
// share them.
type Context struct {
	logger    log.Logger
	alloc     memory.Allocator
	evaluator expressionEvaluator

	bucket objstore.Bucket
	store  *memstore.Store
	pool   *worker.Pool

	batchSize int64
	prefetch  bool

	plan *physical.Plan

	stats     *stats
	exchanges *exchangeMap
}

// NewContext creates an execution context. A nil allocator falls back to the
// default allocator.
func NewContext(cfg Config, logger log.Logger, alloc memory.Allocator) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Context{
		logger:    logger,
		alloc:     alloc,
		evaluator: newExpressionEvaluator(alloc),
		bucket:    cfg.Bucket,
		store:     cfg.Store,
		pool:      cfg.Pool,
		batchSize: batchSize,
		prefetch:  cfg.Prefetch,
		stats:     &stats{},
		exchanges: &exchangeMap{m: make(map[string]exchange)},
	}
}

// inline returns a copy of the context for pipelines built inside worker
// tasks. Prefetching is disabled there: a task reading through a prefetched
// input would wait on another task, and tasks must stay independent.
func (c *Context) inline() *Context {
	cp := *c
	cp.prefetch = false
	return &cp
}

// Execute builds the pipeline of the plan's root node. Execution failures
// surface on the pipeline's reads. Closing the pipeline does not close the
// context.
func (c *Context) Execute(ctx context.Context, plan *physical.Plan) (Pipeline, error) {
	if plan == nil {
		return nil, errors.New("plan is nil")
	}
	c.plan = plan

	root, err := plan.Root()
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, root), nil
}

// ExecutePartitions builds one pipeline per output partition of the plan: a
// plan rooted at a combining merge yields one pipeline per merge input, in
// partition order, and any other root yields a single pipeline. The
// pipelines share the context's exchanges, so a shuffle feeding several
// partitions executes only once.
func (c *Context) ExecutePartitions(ctx context.Context, plan *physical.Plan) ([]Pipeline, error) {
	if plan == nil {
		return nil, errors.New("plan is nil")
	}
	c.plan = plan

	root, err := plan.Root()
	if err != nil {
		return nil, err
	}
	merge, ok := root.(*physical.Merge)
	if !ok || !merge.Combine {
		// Either a single output partition, or the root merge coalesces its
		// inputs into one partition.
		return []Pipeline{c.execute(ctx, root)}, nil
	}

	children := c.plan.Children(merge)
	pipelines := make([]Pipeline, len(children))
	for i, child := range children {
		pipelines[i] = c.execute(ctx, child)
	}
	return pipelines, nil
}

// Stats returns a snapshot of the execution counters.
func (c *Context) Stats() Stats {
	return c.stats.snapshot()
}

// Close releases every exchange materialized by the context. It must not be
// called before all pipelines of the context are done.
func (c *Context) Close() {
	c.exchanges.mtx.Lock()
	defer c.exchanges.mtx.Unlock()
	for id, ex := range c.exchanges.m {
		ex.close()
		delete(c.exchanges.m, id)
	}
}

func (c *Context) execute(ctx context.Context, node physical.Node) Pipeline {
	// Buckets resolve through shared exchanges instead of executing their
	// child directly.
	if bucket, ok := node.(*physical.Bucket); ok {
		return tracePipeline("bucket", c.executeBucket(ctx, bucket))
	}

	children := c.plan.Children(node)
	inputs := make([]Pipeline, 0, len(children))
	for _, child := range children {
		inputs = append(inputs, c.execute(ctx, child))
	}

	switch n := node.(type) {
	case *physical.ScanCSV:
		return tracePipeline("scan_csv", c.executeScanCSV(ctx, n))
	case *physical.ScanStore:
		return tracePipeline("scan_store", c.executeScanStore(ctx, n))
	case *physical.Filter:
		return tracePipeline("filter", c.executeFilter(ctx, n, inputs))
	case *physical.Projection:
		return tracePipeline("projection", c.executeProjection(ctx, n, inputs))
	case *physical.Limit:
		return tracePipeline("limit", c.executeLimit(ctx, n, inputs))
	case *physical.Merge:
		return tracePipeline("merge", c.executeMerge(ctx, n, inputs))
	case *physical.HashAggregate:
		return tracePipeline("hash_aggregate", c.executeHashAggregate(ctx, n, inputs))
	case *physical.TimeAggregate:
		return tracePipeline("time_aggregate", c.executeTimeAggregate(ctx, n, inputs))
	case *physical.Shuffle, *physical.Split:
		return errorPipeline(ctx, fmt.Errorf("%s node must be read through bucket nodes", n.Type()))
	default:
		return errorPipeline(ctx, fmt.Errorf("invalid node type: %T", node))
	}
}

// Run executes a physical plan and returns the pipeline of its root node.
// Closing the returned pipeline also closes the execution context behind it.
func Run(ctx context.Context, cfg Config, plan *physical.Plan, logger log.Logger) Pipeline {
	c := NewContext(cfg, logger, nil)
	root, err := c.Execute(ctx, plan)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return &ownedPipeline{Pipeline: root, c: c}
}

// ownedPipeline ties the lifetime of an execution context to its root
// pipeline.
type ownedPipeline struct {
	Pipeline
	c *Context
}

func (p *ownedPipeline) Close() {
	p.Pipeline.Close()
	p.c.Close()
}
