// Package engine ties the planners, the executor, and the storage layers
// together: it lowers logical plans into optimized physical plans, executes
// them on a worker pool, and persists results into the in-memory store.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/keelproject/keel/pkg/engine/executor"
	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
	"github.com/keelproject/keel/pkg/storage/memstore"
)

var tracer = otel.Tracer("pkg/engine")

const statusCanceled = "canceled"

// Config configures plan execution.
type Config struct {
	// BatchSize is the target number of rows per record batch produced by
	// rebatching operators such as shuffles and aggregations.
	BatchSize int64 `yaml:"batch_size"`

	// Prefetch reads merge inputs ahead on the worker pool.
	Prefetch bool `yaml:"prefetch"`
}

// RegisterFlags registers engine flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.BatchSize, prefix+"engine.batch-size", 8192, "Target number of rows per record batch produced by shuffles and aggregations.")
	f.BoolVar(&cfg.Prefetch, prefix+"engine.prefetch", true, "Read merge inputs ahead on the worker pool.")
}

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config

	Bucket objstore.Bucket  // Bucket serving the CSV objects of source tables.
	Store  *memstore.Store  // Store serving persisted tables. Required for Persist.
	Pool   *worker.Pool     // Pool running drains, bucket builds, and prefetches. Optional.
	Alloc  memory.Allocator // Allocator for records built during execution.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Alloc == nil {
		p.Alloc = memory.DefaultAllocator
	}
	if p.Bucket == nil && p.Store == nil {
		return errors.New("engine needs a bucket or a store to read from")
	}
	if p.Config.BatchSize < 0 {
		return fmt.Errorf("invalid batch size %d", p.Config.BatchSize)
	}
	return nil
}

// Engine executes logical plans against the configured storage.
type Engine struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	alloc   memory.Allocator

	bucket objstore.Bucket
	store  *memstore.Store
	pool   *worker.Pool
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     params.Config,
		logger:  params.Logger,
		metrics: newMetrics(params.Registerer),
		alloc:   params.Alloc,
		bucket:  params.Bucket,
		store:   params.Store,
		pool:    params.Pool,
	}, nil
}

// Stats describes one executed query.
type Stats struct {
	// PartitionsResolved is the number of source partitions the plan
	// referenced before optimization.
	PartitionsResolved int
	// PartitionsPruned is the number of source partitions removed because
	// their bounds cannot contain matching rows.
	PartitionsPruned int
	// PartitionsScanned is the number of source partitions opened.
	PartitionsScanned int64
	// RowsRead is the number of rows read from source partitions, before
	// filtering.
	RowsRead int64
	// BytesRead is the number of bytes fetched from storage.
	BytesRead int64
	// RowsShuffled is the number of rows buffered by shuffles.
	RowsShuffled int64

	PlanningDuration  time.Duration
	ExecutionDuration time.Duration
}

func (e *Engine) executorConfig() executor.Config {
	return executor.Config{
		BatchSize: e.cfg.BatchSize,
		Prefetch:  e.cfg.Prefetch,
		Bucket:    e.bucket,
		Store:     e.store,
		Pool:      e.pool,
	}
}

// plan lowers lp into an optimized physical plan.
func (e *Engine) plan(ctx context.Context, lp *logical.Plan) (*physical.Plan, time.Duration, error) {
	_, span := tracer.Start(ctx, "Engine.plan")
	defer span.End()
	timer := prometheus.NewTimer(e.metrics.planningDuration)

	planner := physical.NewPlanner()
	plan, err := planner.Build(lp)
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("building physical plan: %w", err)
	}
	if plan, err = planner.Optimize(plan); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("optimizing physical plan: %w", err)
	}

	duration := timer.ObserveDuration()
	e.metrics.partitionsPruned.Add(float64(plan.Stats.PartitionsPruned))

	span.SetAttributes(
		attribute.Int("nodes", plan.Len()),
		attribute.Int("partitions_resolved", plan.Stats.PartitionsResolved),
		attribute.Int("partitions_pruned", plan.Stats.PartitionsPruned),
	)
	level.Debug(e.logger).Log(
		"msg", "plan built",
		"nodes", plan.Len(),
		"partitions_resolved", plan.Stats.PartitionsResolved,
		"partitions_pruned", plan.Stats.PartitionsPruned,
		"duration", duration,
	)
	return plan, duration, nil
}

// Execute plans lp and starts executing it. The returned set streams the
// result records; statistics accumulate while it is read.
func (e *Engine) Execute(ctx context.Context, lp *logical.Plan) (*ResultSet, error) {
	ctx, span := tracer.Start(ctx, "Engine.Execute")
	if lp == nil {
		span.End()
		return nil, errors.New("logical plan is nil")
	}

	plan, planning, err := e.plan(ctx, lp)
	if err != nil {
		e.metrics.queries.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "planning failed")
		span.End()
		return nil, err
	}

	ectx := executor.NewContext(e.executorConfig(), e.logger, e.alloc)
	pipeline, err := ectx.Execute(ctx, plan)
	if err != nil {
		ectx.Close()
		e.metrics.queries.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "execution failed")
		span.End()
		return nil, err
	}

	return &ResultSet{
		engine:   e,
		span:     span,
		plan:     plan,
		ectx:     ectx,
		pipeline: pipeline,
		planning: planning,
		started:  time.Now(),
	}, nil
}

// ResultSet streams the records of an executing query. Like a pipeline, a
// set is not safe for concurrent use.
type ResultSet struct {
	engine   *Engine
	span     trace.Span
	plan     *physical.Plan
	ectx     *executor.Context
	pipeline executor.Pipeline

	planning  time.Duration
	started   time.Time
	execution time.Duration
	done      bool
}

// Read returns the next record of the result. The caller owns the returned
// record and must release it. Read returns [executor.EOF] after the last
// record.
func (r *ResultSet) Read(ctx context.Context) (arrow.Record, error) {
	rec, err := r.pipeline.Read(ctx)
	switch {
	case errors.Is(err, executor.EOF):
		r.finish(statusSuccess)
	case err != nil:
		r.finish(statusFailure)
	}
	return rec, err
}

// Stats returns a snapshot of the statistics of the execution so far.
func (r *ResultSet) Stats() Stats {
	execution := r.execution
	if !r.done {
		execution = time.Since(r.started)
	}
	st := r.ectx.Stats()
	return Stats{
		PartitionsResolved: r.plan.Stats.PartitionsResolved,
		PartitionsPruned:   r.plan.Stats.PartitionsPruned,
		PartitionsScanned:  st.PartitionsScanned,
		RowsRead:           st.RowsRead,
		BytesRead:          st.BytesRead,
		RowsShuffled:       st.RowsShuffled,
		PlanningDuration:   r.planning,
		ExecutionDuration:  execution,
	}
}

// Close releases the resources of the execution. Records already handed out
// stay valid. Closing a set that was not read to exhaustion abandons it.
func (r *ResultSet) Close() {
	r.finish(statusCanceled)
	r.pipeline.Close()
	r.ectx.Close()
}

func (r *ResultSet) finish(status string) {
	if r.done {
		return
	}
	r.done = true
	r.execution = time.Since(r.started)

	st := r.ectx.Stats()
	m := r.engine.metrics
	m.queries.WithLabelValues(status).Inc()
	m.executionDuration.Observe(r.execution.Seconds())
	m.partitionsScanned.Add(float64(st.PartitionsScanned))
	m.rowsShuffled.Add(float64(st.RowsShuffled))

	if status != statusSuccess {
		r.span.SetStatus(codes.Error, "query "+status)
	}
	r.span.SetAttributes(
		attribute.Int64("partitions_scanned", st.PartitionsScanned),
		attribute.Int64("rows_read", st.RowsRead),
		attribute.Int64("bytes_read", st.BytesRead),
		attribute.Int64("rows_shuffled", st.RowsShuffled),
	)
	r.span.End()

	level.Info(r.engine.logger).Log(
		"msg", "query finished",
		"status", status,
		"partitions_resolved", r.plan.Stats.PartitionsResolved,
		"partitions_pruned", r.plan.Stats.PartitionsPruned,
		"partitions_scanned", st.PartitionsScanned,
		"rows_read", st.RowsRead,
		"bytes_read", st.BytesRead,
		"rows_shuffled", st.RowsShuffled,
		"duration_planning", r.planning,
		"duration_execution", r.execution,
	)
}

// TableMeta describes the statically known shape of a plan's result. It
// supplies what the executed records alone cannot: the schema of empty
// partitions and divisions known without sampling.
type TableMeta struct {
	Schema types.Schema

	// Divisions of the result, recorded verbatim when known.
	Divisions types.Divisions
}

// Persist executes lp, materializes one in-memory partition per output
// partition of the plan, and registers the result in the store under a fresh
// handle with a single pin. When the schema has an index, per-partition
// bounds are realized from the records and divisions are derived from them
// unless meta already carries them.
func (e *Engine) Persist(ctx context.Context, lp *logical.Plan, meta TableMeta) (*catalog.TableDesc, Stats, error) {
	ctx, span := tracer.Start(ctx, "Engine.Persist")
	defer span.End()

	fail := func(err error) (*catalog.TableDesc, Stats, error) {
		e.metrics.persists.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "persist failed")
		return nil, Stats{}, err
	}

	if lp == nil {
		return fail(errors.New("logical plan is nil"))
	}
	if e.store == nil {
		return fail(errors.New("engine has no store to persist into"))
	}

	plan, planning, err := e.plan(ctx, lp)
	if err != nil {
		return fail(err)
	}

	ectx := executor.NewContext(e.executorConfig(), e.logger, e.alloc)
	defer ectx.Close()

	started := time.Now()
	pipes, err := ectx.ExecutePartitions(ctx, plan)
	if err != nil {
		return fail(err)
	}

	partitions := make([]memstore.Partition, len(pipes))
	g, gctx := errgroup.WithContext(ctx)
	for i, pipe := range pipes {
		g.Go(func() error {
			defer pipe.Close()

			var recs []arrow.Record
			for {
				rec, err := pipe.Read(gctx)
				if errors.Is(err, executor.EOF) {
					break
				}
				if err != nil {
					releaseRecords(recs)
					return err
				}
				recs = append(recs, rec)
			}

			p := memstore.Partition{Records: recs}
			if meta.Schema.Index != "" {
				bounds, err := executor.ColumnBounds(recs, meta.Schema.Index)
				if err != nil {
					releaseRecords(recs)
					return err
				}
				p.Bounds = bounds
			}
			partitions[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range partitions {
			releaseRecords(p.Records)
		}
		return fail(fmt.Errorf("materializing partitions: %w", err))
	}

	divisions := meta.Divisions
	if divisions.Known() && divisions.NumPartitions() != len(partitions) {
		divisions = nil
	}
	if !divisions.Known() && meta.Schema.Index != "" {
		bounds := make([]types.Bounds, len(partitions))
		for i, p := range partitions {
			bounds[i] = p.Bounds
		}
		derived, err := types.DivisionsFromBounds(bounds)
		if err != nil {
			// The table keeps its per-partition bounds, lookups just cannot
			// use division arithmetic.
			level.Debug(e.logger).Log("msg", "divisions not derivable from partition bounds", "err", err)
		} else {
			divisions = derived
		}
	}

	handle := ulid.Make().String()
	table := memstore.Table{
		Schema:     meta.Schema,
		Partitions: partitions,
		Divisions:  divisions,
	}
	rows, size := table.Rows(), table.SizeBytes()

	err = e.store.Create(handle, table)
	for _, p := range partitions {
		releaseRecords(p.Records)
	}
	if err != nil {
		return fail(fmt.Errorf("persisting table: %w", err))
	}

	desc, ok := e.store.ResolveStore(handle)
	if !ok {
		return fail(fmt.Errorf("persisted table %s vanished from store", handle))
	}

	execution := time.Since(started)
	st := ectx.Stats()
	e.metrics.persists.WithLabelValues(statusSuccess).Inc()
	e.metrics.executionDuration.Observe(execution.Seconds())
	e.metrics.partitionsScanned.Add(float64(st.PartitionsScanned))
	e.metrics.rowsShuffled.Add(float64(st.RowsShuffled))

	span.SetAttributes(
		attribute.String("handle", handle),
		attribute.Int("partitions", len(partitions)),
		attribute.Int64("rows", rows),
		attribute.Int64("size_bytes", size),
	)
	level.Info(e.logger).Log(
		"msg", "table persisted",
		"handle", handle,
		"partitions", len(partitions),
		"rows", rows,
		"size_bytes", size,
		"divisions_known", divisions.Known(),
		"duration_planning", planning,
		"duration_execution", execution,
	)

	return desc, Stats{
		PartitionsResolved: plan.Stats.PartitionsResolved,
		PartitionsPruned:   plan.Stats.PartitionsPruned,
		PartitionsScanned:  st.PartitionsScanned,
		RowsRead:           st.RowsRead,
		BytesRead:          st.BytesRead,
		RowsShuffled:       st.RowsShuffled,
		PlanningDuration:   planning,
		ExecutionDuration:  execution,
	}, nil
}

func releaseRecords(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}
