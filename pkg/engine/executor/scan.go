package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/csvio"
	"github.com/keelproject/keel/pkg/storage/memstore"
	"github.com/keelproject/keel/pkg/util/errkind"
)

// scanState applies the predicates, projection, and limit of a scan node to
// the batches the scan reads from its source.
type scanState struct {
	eval       expressionEvaluator
	alloc      memory.Allocator
	predicates []physical.Expression
	// project is applied after the predicates. It is nil when the
	// projection was pushed into the read schema instead.
	project []string
	limit   uint32

	emitted uint32
	builder *array.RecordBuilder
}

// exhausted reports whether the scan emitted its row limit.
func (s *scanState) exhausted() bool {
	return s.limit > 0 && s.emitted >= s.limit
}

// apply consumes rec and returns the rows surviving the scan's predicates,
// projection, and limit. The result is owned by the caller and may hold zero
// rows.
func (s *scanState) apply(rec arrow.Record) (arrow.Record, error) {
	if len(s.predicates) > 0 {
		masks := make([]*array.Boolean, 0, len(s.predicates))
		for _, pred := range s.predicates {
			mask, err := s.eval.evalBoolean(pred, rec)
			if err != nil {
				releaseMasks(masks)
				rec.Release()
				return nil, err
			}
			masks = append(masks, mask)
		}

		if s.builder == nil {
			s.builder = array.NewRecordBuilder(s.alloc, rec.Schema())
		}
		filtered, err := filterRecord(s.builder, rec, func(i int) bool {
			for _, mask := range masks {
				if mask.IsNull(i) || !mask.Value(i) {
					return false
				}
			}
			return true
		})
		releaseMasks(masks)
		rec.Release()
		if err != nil {
			return nil, err
		}
		rec = filtered
	}

	if len(s.project) > 0 {
		projected, err := projectRecord(rec, s.project)
		rec.Release()
		if err != nil {
			return nil, err
		}
		rec = projected
	}

	if s.limit > 0 {
		remaining := int64(s.limit) - int64(s.emitted)
		if rec.NumRows() > remaining {
			sliced := rec.NewSlice(0, remaining)
			rec.Release()
			rec = sliced
		}
		s.emitted += uint32(rec.NumRows())
	}
	return rec, nil
}

func (s *scanState) close() {
	if s.builder != nil {
		s.builder.Release()
		s.builder = nil
	}
}

func releaseMasks(masks []*array.Boolean) {
	for _, mask := range masks {
		mask.Release()
	}
}

// csvScanPipeline reads one CSV object from the bucket. The object is opened
// lazily on the first read, so pipelines for pruned or unread partitions
// never touch storage.
type csvScanPipeline struct {
	c    *Context
	node *physical.ScanCSV

	readSchema types.Schema
	state      scanState

	opened bool
	object io.ReadCloser
	reader *csvio.Reader
}

var _ Pipeline = (*csvScanPipeline)(nil)

func (c *Context) executeScanCSV(ctx context.Context, node *physical.ScanCSV) Pipeline {
	p := &csvScanPipeline{
		c:          c,
		node:       node,
		readSchema: node.Schema,
		state: scanState{
			eval:       c.evaluator,
			alloc:      c.alloc,
			predicates: node.Predicates,
			limit:      node.Limit,
		},
	}

	if cols := columnNames(node.Projections); len(cols) > 0 {
		// Parsing only the projected columns requires a header to match them
		// by name, and the predicates must not reference dropped columns.
		if !node.Options.NoHeader && containsAll(cols, expressionColumns(node.Predicates)) {
			projected, err := node.Schema.Project(cols...)
			if err != nil {
				return errorPipeline(ctx, err)
			}
			p.readSchema = projected
		} else {
			p.state.project = cols
		}
	}
	return p
}

// Read implements [Pipeline].
func (p *csvScanPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.state.exhausted() {
		return nil, EOF
	}
	if !p.opened {
		if err := p.open(ctx); err != nil {
			return nil, err
		}
	}
	if p.reader == nil {
		return nil, EOF
	}

	for {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}

		rec, err := p.reader.Read()
		if errors.Is(err, io.EOF) {
			p.closeObject()
			return nil, EOF
		}
		if err != nil {
			if errkind.IsMalformed(err) {
				return nil, err
			}
			return nil, errkind.Transient(err)
		}
		p.c.stats.rowsRead.Add(rec.NumRows())

		out, err := p.state.apply(rec)
		if err != nil {
			return nil, err
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
}

func (p *csvScanPipeline) open(ctx context.Context) error {
	p.opened = true

	obj, err := p.c.bucket.Get(ctx, p.node.Location)
	if err != nil {
		return errkind.Transient(fmt.Errorf("opening %s: %w", p.node.Location, err))
	}
	p.object = obj

	opts := p.node.Options
	opts.Allocator = p.c.alloc
	reader, err := csvio.NewReader(&countingReader{inner: obj, read: &p.c.stats.bytesRead}, p.node.Location, p.readSchema, opts)
	if err != nil {
		p.closeObject()
		if errkind.IsMalformed(err) {
			return err
		}
		return errkind.Transient(err)
	}
	p.reader = reader
	p.c.stats.partitionsScanned.Add(1)
	return nil
}

func (p *csvScanPipeline) closeObject() {
	if p.reader != nil {
		_ = p.reader.Close()
		p.reader = nil
	}
	if p.object != nil {
		_ = p.object.Close()
		p.object = nil
	}
}

// Close implements [Pipeline].
func (p *csvScanPipeline) Close() {
	p.closeObject()
	p.state.close()
}

// storeScanPipeline streams one partition of a persisted table out of the
// store. The partition is fetched lazily on the first read.
type storeScanPipeline struct {
	c    *Context
	node *physical.ScanStore

	state scanState

	opened  bool
	records []arrow.Record
	cursor  int
}

var _ Pipeline = (*storeScanPipeline)(nil)

func (c *Context) executeScanStore(_ context.Context, node *physical.ScanStore) Pipeline {
	return &storeScanPipeline{
		c:    c,
		node: node,
		state: scanState{
			eval:       c.evaluator,
			alloc:      c.alloc,
			predicates: node.Predicates,
			project:    columnNames(node.Projections),
			limit:      node.Limit,
		},
	}
}

// Read implements [Pipeline].
func (p *storeScanPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.state.exhausted() {
		return nil, EOF
	}
	if !p.opened {
		p.opened = true
		records, err := p.c.store.GetPartition(p.node.Handle, p.node.Partition)
		if err != nil {
			return nil, fmt.Errorf("reading table %s partition %d: %w", p.node.Handle, p.node.Partition, err)
		}
		p.records = records
		p.c.stats.partitionsScanned.Add(1)
	}

	for p.cursor < len(p.records) {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}

		rec := p.records[p.cursor]
		p.records[p.cursor] = nil
		p.cursor++
		p.c.stats.rowsRead.Add(rec.NumRows())
		p.c.stats.bytesRead.Add(memstore.RecordSize(rec))

		out, err := p.state.apply(rec)
		if err != nil {
			return nil, err
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
	return nil, EOF
}

// Close implements [Pipeline].
func (p *storeScanPipeline) Close() {
	for ; p.cursor < len(p.records); p.cursor++ {
		if p.records[p.cursor] != nil {
			p.records[p.cursor].Release()
		}
	}
	p.state.close()
}

// countingReader adds every byte read from the wrapped reader to a counter.
type countingReader struct {
	inner io.Reader
	read  *atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.read.Add(int64(n))
	return n, err
}

// columnNames extracts the referenced column names of column expressions.
func columnNames(exprs []physical.ColumnExpression) []string {
	if len(exprs) == 0 {
		return nil
	}
	names := make([]string, 0, len(exprs))
	for _, expr := range exprs {
		if col, ok := expr.(*physical.ColumnExpr); ok {
			names = append(names, col.Ref.Column)
		}
	}
	return names
}

// expressionColumns returns the names of all columns referenced by the
// expressions, without duplicates.
func expressionColumns(exprs []physical.Expression) []string {
	var (
		names []string
		seen  = make(map[string]struct{})
		walk  func(physical.Expression)
	)
	walk = func(expr physical.Expression) {
		switch expr := expr.(type) {
		case *physical.ColumnExpr:
			if _, ok := seen[expr.Ref.Column]; !ok {
				seen[expr.Ref.Column] = struct{}{}
				names = append(names, expr.Ref.Column)
			}
		case *physical.UnaryExpr:
			walk(expr.Left)
		case *physical.BinaryExpr:
			walk(expr.Left)
			walk(expr.Right)
		}
	}
	for _, expr := range exprs {
		walk(expr)
	}
	return names
}

func containsAll(haystack, needles []string) bool {
	for _, needle := range needles {
		if !slices.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
