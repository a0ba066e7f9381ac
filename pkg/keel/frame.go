package keel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/keelproject/keel/pkg/engine"
	"github.com/keelproject/keel/pkg/engine/executor"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// Frame is an immutable, lazy view over a logical plan. Every operation
// returns a new frame; nothing is read from storage until the frame is
// materialized with [Frame.Collect], [Frame.Count], or [Frame.Persist].
//
// Frames derived from one another share plan nodes, so materializing frames
// of the same chain from multiple goroutines concurrently is not supported.
type Frame struct {
	sess *Session
	val  logical.Value

	// Statically tracked result shape, mirrored from what execution will
	// produce. Divisions are nil unless the frame's partition boundaries
	// are known without executing it.
	schema    types.Schema
	parts     int
	divisions types.Divisions

	// handle pins the persisted table backing this frame, empty otherwise.
	handle string
}

// derive returns a copy of f with a new plan value and shape.
func (f *Frame) derive(val logical.Value, schema types.Schema, parts int, divisions types.Divisions) *Frame {
	return &Frame{
		sess:      f.sess,
		val:       val,
		schema:    schema,
		parts:     parts,
		divisions: divisions,
	}
}

// Schema returns the schema of the frame's result.
func (f *Frame) Schema() types.Schema {
	return f.schema
}

// NumPartitions returns the number of partitions the frame's result has.
func (f *Frame) NumPartitions() int {
	return f.parts
}

// Divisions returns the partition boundaries of the frame, or nil when they
// are unknown.
func (f *Frame) Divisions() types.Divisions {
	return f.divisions
}

// KnownDivisions reports whether the frame's partition boundaries are known
// without executing it.
func (f *Frame) KnownDivisions() bool {
	return f.divisions.Known()
}

// IndexColumn returns the name of the index column. It returns false when
// the frame has no index.
func (f *Frame) IndexColumn() (string, bool) {
	return f.schema.Index, f.schema.Index != ""
}

// Handle returns the store handle of the persisted table backing this
// frame, or the empty string for unpersisted frames.
func (f *Frame) Handle() string {
	return f.handle
}

// Select narrows the frame to the named columns, in the given order. The
// index survives only if it is part of the selection.
func (f *Frame) Select(columns ...string) (*Frame, error) {
	if len(columns) == 0 {
		return nil, errors.New("select needs at least one column")
	}
	schema, err := f.schema.Project(columns...)
	if err != nil {
		return nil, err
	}

	refs := make([]*logical.ColumnRef, len(columns))
	for i, name := range columns {
		refs[i] = logical.NewColumnRef(name)
	}

	divisions := f.divisions
	if schema.Index == "" {
		divisions = nil
	}
	return f.derive(&logical.Projection{Table: f.val, Columns: refs}, schema, f.parts, divisions), nil
}

// Filter keeps the rows matching the predicate. Partitioning and divisions
// are unchanged: filtering narrows partitions but never widens their key
// ranges.
func (f *Frame) Filter(expr Expr) (*Frame, error) {
	if expr.err != nil {
		return nil, expr.err
	}
	if expr.val == nil {
		return nil, errors.New("empty filter expression")
	}
	for _, name := range expr.columns() {
		if _, ok := f.schema.Column(name); !ok {
			return nil, fmt.Errorf("filter references unknown column %q", name)
		}
	}
	return f.derive(&logical.Select{Table: f.val, Predicate: expr.val}, f.schema, f.parts, f.divisions), nil
}

// IndexOption customizes [Frame.SetIndex].
type IndexOption func(*indexOptions)

type indexOptions struct {
	partitions int
	samples    int
	divisions  []any
}

// WithPartitions sets the number of output partitions. The default keeps the
// frame's partition count.
func WithPartitions(n int) IndexOption {
	return func(o *indexOptions) { o.partitions = n }
}

// WithSamples sets how many keys are sampled per input partition when
// boundaries are derived at execution time.
func WithSamples(n int) IndexOption {
	return func(o *indexOptions) { o.samples = n }
}

// WithDivisions sets explicit partition boundaries instead of sampling. The
// values must be monotonically non-decreasing and of the index column's
// type; n+1 boundaries produce n partitions.
func WithDivisions(vals ...any) IndexOption {
	return func(o *indexOptions) { o.divisions = vals }
}

// SetIndex lazily re-partitions the frame by ranges of the named column and
// marks it as the index: rows move to the partition whose boundary interval
// contains their key, and every partition is sorted by the key. With
// explicit divisions the result's boundaries are known upfront; sampled
// boundaries become known once the frame is persisted.
func (f *Frame) SetIndex(column string, opts ...IndexOption) (*Frame, error) {
	col, ok := f.schema.Column(column)
	if !ok {
		return nil, fmt.Errorf("unknown index column %q", column)
	}
	if !col.Type.Comparable() {
		return nil, fmt.Errorf("column %q of type %s cannot be an index", column, col.Type)
	}

	var options indexOptions
	for _, opt := range opts {
		opt(&options)
	}

	var divisions types.Divisions
	if len(options.divisions) > 0 {
		boundaries := make([]types.Literal, len(options.divisions))
		for i, v := range options.divisions {
			lit, err := types.NewLiteral(v)
			if err != nil {
				return nil, fmt.Errorf("division %d: %w", i, err)
			}
			boundaries[i] = lit
		}
		var err error
		if divisions, err = types.NewDivisions(boundaries); err != nil {
			return nil, err
		}
		if divisions.Type() != col.Type {
			return nil, fmt.Errorf("divisions of type %s do not match column %q of type %s", divisions.Type(), column, col.Type)
		}
	}

	partitions := options.partitions
	if divisions.Known() {
		partitions = divisions.NumPartitions()
	} else if partitions <= 0 {
		partitions = f.parts
	}

	schema, err := f.schema.WithIndex(column)
	if err != nil {
		return nil, err
	}

	val := &logical.SetIndex{
		Table:      f.val,
		Column:     logical.NewColumnRef(column),
		Partitions: partitions,
		Divisions:  divisions,
		Samples:    options.samples,
	}
	return f.derive(val, schema, partitions, divisions), nil
}

// Loc keeps the rows whose index key falls within [min, max]. When the
// frame's divisions are known, only the partitions overlapping the range are
// scanned.
func (f *Frame) Loc(min, max any) (*Frame, error) {
	index, lo, err := f.indexLiteral(min)
	if err != nil {
		return nil, err
	}
	_, hi, err := f.indexLiteral(max)
	if err != nil {
		return nil, err
	}
	return f.Filter(Col(index).Gte(litFrom(lo)).And(Col(index).Lte(litFrom(hi))))
}

// LocValue keeps the rows whose index key equals v. With known divisions at
// most one partition is scanned.
func (f *Frame) LocValue(v any) (*Frame, error) {
	index, key, err := f.indexLiteral(v)
	if err != nil {
		return nil, err
	}
	return f.Filter(Col(index).Eq(litFrom(key)))
}

func (f *Frame) indexLiteral(v any) (string, types.Literal, error) {
	index, ok := f.IndexColumn()
	if !ok {
		return "", types.Literal{}, errors.New("frame has no index, call SetIndex first")
	}
	col, _ := f.schema.Column(index)

	lit, err := types.NewLiteral(v)
	if err != nil {
		return "", types.Literal{}, err
	}
	if lit.Type() != col.Type {
		return "", types.Literal{}, fmt.Errorf("lookup value of type %s does not match index %q of type %s", lit.Type(), index, col.Type)
	}
	return index, lit, nil
}

func litFrom(lit types.Literal) Expr {
	return Expr{val: logical.NewLiteralFrom(lit)}
}

// Repartition changes the number of partitions. Shrinking concatenates runs
// of adjacent partitions and preserves known divisions; growing splits rows
// by position and discards them.
func (f *Frame) Repartition(n int) (*Frame, error) {
	if n <= 0 {
		return nil, fmt.Errorf("repartition needs a positive partition count, got %d", n)
	}
	if n == f.parts {
		return f.derive(f.val, f.schema, f.parts, f.divisions), nil
	}

	divisions := types.Divisions(nil)
	if n < f.parts && f.divisions.Known() {
		divisions = coalesceDivisions(f.divisions, n)
	}
	return f.derive(&logical.Repartition{Table: f.val, Partitions: n}, f.schema, n, divisions), nil
}

// coalesceDivisions merges the boundaries of adjacent partition runs the way
// the planner groups them: run sizes differ by at most one, larger runs
// first.
func coalesceDivisions(divisions types.Divisions, n int) types.Divisions {
	parts := divisions.NumPartitions()
	base, extra := parts/n, parts%n

	merged := make([]types.Literal, 0, n+1)
	merged = append(merged, divisions[0])
	for i, next := 0, 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		next += size
		merged = append(merged, divisions[next])
	}
	return merged
}

// Limit truncates the frame to at most n rows, in partition order.
func (f *Frame) Limit(n int) (*Frame, error) {
	if n < 0 {
		return nil, fmt.Errorf("limit needs a non-negative row count, got %d", n)
	}
	val := &logical.Limit{Table: f.val, Fetch: uint32(n)}
	return f.derive(val, f.schema, 1, nil), nil
}

// GroupBy groups rows by the named key columns. Call an aggregator on the
// result to obtain a frame.
func (f *Frame) GroupBy(keys ...string) *GroupBy {
	g := &GroupBy{frame: f, keys: keys}
	if len(keys) == 0 {
		g.err = errors.New("groupby needs at least one key column")
		return g
	}
	for _, key := range keys {
		if _, ok := f.schema.Column(key); !ok {
			g.err = fmt.Errorf("unknown groupby column %q", key)
			return g
		}
	}
	return g
}

// Resample buckets the rows of a timestamp-indexed frame into fixed
// intervals. Call an aggregator on the result to obtain a frame.
func (f *Frame) Resample(step time.Duration) *Resample {
	r := &Resample{frame: f, step: step}
	index, ok := f.IndexColumn()
	if !ok {
		r.err = errors.New("resample needs an indexed frame, call SetIndex first")
		return r
	}
	col, _ := f.schema.Column(index)
	if col.Type != types.Timestamp {
		r.err = fmt.Errorf("resample needs a timestamp index, %q is %s", index, col.Type)
		return r
	}
	if step <= 0 {
		r.err = fmt.Errorf("resample needs a positive interval, got %s", step)
	}
	return r
}

// execute lowers the frame into a plan and starts executing it.
func (f *Frame) execute(ctx context.Context) (*engine.ResultSet, error) {
	plan, err := logical.NewBuilder(f.val).ToPlan()
	if err != nil {
		return nil, err
	}
	return f.sess.engine.Execute(ctx, plan)
}

// Collect materializes the frame: all records are read into memory and
// returned together with the execution statistics. The caller owns the
// result and must close it.
func (f *Frame) Collect(ctx context.Context) (*Result, error) {
	rs, err := f.execute(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var records []arrow.Record
	for {
		rec, err := rs.Read(ctx)
		if errors.Is(err, executor.EOF) {
			break
		}
		if err != nil {
			for _, r := range records {
				r.Release()
			}
			return nil, err
		}
		records = append(records, rec)
	}

	return &Result{
		Schema:  f.schema,
		Records: records,
		Stats:   rs.Stats(),
	}, nil
}

// Head materializes the first n rows of the frame.
func (f *Frame) Head(ctx context.Context, n int) (*Result, error) {
	limited, err := f.Limit(n)
	if err != nil {
		return nil, err
	}
	return limited.Collect(ctx)
}

// Count returns the number of rows of the frame.
func (f *Frame) Count(ctx context.Context) (int64, error) {
	rs, err := f.execute(ctx)
	if err != nil {
		return 0, err
	}
	defer rs.Close()

	var rows int64
	for {
		rec, err := rs.Read(ctx)
		if errors.Is(err, executor.EOF) {
			return rows, nil
		}
		if err != nil {
			return 0, err
		}
		rows += rec.NumRows()
		rec.Release()
	}
}

// Persist materializes the frame into the session's in-memory store and
// returns a frame reading from the materialized table. Subsequent
// operations reuse the stored partitions instead of recomputing the chain.
// The table stays pinned until [Frame.Release] is called on the returned
// frame (or the session is closed).
func (f *Frame) Persist(ctx context.Context) (*Frame, error) {
	plan, err := logical.NewBuilder(f.val).ToPlan()
	if err != nil {
		return nil, err
	}

	desc, _, err := f.sess.engine.Persist(ctx, plan, engine.TableMeta{
		Schema:    f.schema,
		Divisions: f.divisions,
	})
	if err != nil {
		return nil, err
	}

	persisted := f.sess.frameFromDesc(desc)
	persisted.handle = desc.Name
	return persisted, nil
}

// Release unpins the persisted table backing this frame. When the last pin
// is removed the table's memory is freed. Release is a no-op on frames that
// are not directly backed by a persisted table.
func (f *Frame) Release() error {
	if f.handle == "" {
		return nil
	}
	handle := f.handle
	f.handle = ""
	return f.sess.store.RemovePin(handle)
}

// Result holds the materialized records of a frame and the statistics of
// the execution that produced them.
type Result struct {
	Schema  types.Schema
	Records []arrow.Record
	Stats   engine.Stats
}

// Rows returns the total number of materialized rows.
func (r *Result) Rows() int64 {
	var rows int64
	for _, rec := range r.Records {
		rows += rec.NumRows()
	}
	return rows
}

// Close releases the materialized records.
func (r *Result) Close() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}
