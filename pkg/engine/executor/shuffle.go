package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/util/errkind"
)

// defaultSamples is the number of keys sampled per input partition when a
// shuffle has to derive its boundaries and no sample count was configured.
const defaultSamples = 20

// shuffleExchange range-partitions its inputs by a key column.
//
// Materialization runs in two phases of worker tasks. First one drain task
// per input buffers the rows of that partition; the buffers are immutable
// afterwards, so a failed drain can re-execute its sub-plan without
// disturbing the others. Then, with boundaries either given or derived from
// the buffered keys, one build task per output bucket collects its rows from
// all buffers and sorts them by the key. Build tasks touch disjoint outputs
// and recompute only their own bucket when retried.
type shuffleExchange struct {
	c      *Context
	node   *physical.Shuffle
	inputs []physical.Node
	column string

	once sync.Once
	err  error

	slots   []*inputSlot
	buckets [][]arrow.Record
}

var _ exchange = (*shuffleExchange)(nil)

func newShuffleExchange(c *Context, node *physical.Shuffle) *shuffleExchange {
	column := ""
	if col, ok := node.Column.(*physical.ColumnExpr); ok {
		column = col.Ref.Column
	}
	return &shuffleExchange{
		c:      c,
		node:   node,
		inputs: c.plan.Children(node),
		column: column,
	}
}

func (e *shuffleExchange) materialize(ctx context.Context) error {
	e.once.Do(func() { e.err = e.run(ctx) })
	return e.err
}

func (e *shuffleExchange) run(ctx context.Context) error {
	if e.column == "" {
		return fmt.Errorf("shuffle node %s has no key column", e.node.ID())
	}
	if err := e.c.materializeDescendants(ctx, e.inputs...); err != nil {
		return err
	}

	// The input buffers are only needed until the buckets are built.
	defer e.releaseSlots()

	e.slots = make([]*inputSlot, len(e.inputs))
	drains := make([]worker.Task, len(e.inputs))
	inline := e.c.inline()
	for i, input := range e.inputs {
		slot := &inputSlot{}
		e.slots[i] = slot
		drains[i] = worker.Task{
			ID:  fmt.Sprintf("shuffle/%s/input/%d", e.node.ID(), i),
			Run: func(ctx context.Context) error { return slot.drain(ctx, inline, input) },
		}
	}
	if err := e.c.do(ctx, drains); err != nil {
		return err
	}

	var total int64
	for _, slot := range e.slots {
		total += slot.rows
	}
	e.c.stats.rowsShuffled.Add(total)

	divisions := e.node.Divisions
	if !divisions.Known() {
		var err error
		if divisions, err = e.deriveDivisions(); err != nil {
			return err
		}
	}

	e.buckets = make([][]arrow.Record, e.node.Partitions)
	if !divisions.Known() {
		// No rows were buffered; every bucket stays empty.
		return nil
	}

	schema, err := e.outputSchema()
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	builds := make([]worker.Task, e.node.Partitions)
	for p := range builds {
		builds[p] = worker.Task{
			ID:  fmt.Sprintf("shuffle/%s/bucket/%d", e.node.ID(), p),
			Run: func(ctx context.Context) error { return e.buildBucket(ctx, p, divisions, schema) },
		}
	}
	return e.c.do(ctx, builds)
}

// deriveDivisions picks bucket boundaries from the buffered keys: every
// input contributes keys at evenly spaced row positions, and the boundaries
// sit at evenly spaced positions of the sorted sample. The same buffers
// always yield the same boundaries. Nil divisions are returned when the
// inputs hold no rows.
func (e *shuffleExchange) deriveDivisions() (types.Divisions, error) {
	samples := e.node.Samples
	if samples <= 0 {
		samples = defaultSamples
	}

	var keys []types.Literal
	for _, slot := range e.slots {
		step := slot.rows / int64(samples)
		if step < 1 {
			step = 1
		}

		var offset, next int64
		taken := 0
		for _, rec := range slot.records {
			col, err := e.keyColumn(rec)
			if err != nil {
				return nil, err
			}
			for next < offset+rec.NumRows() && taken < samples {
				key, ok := literalAt(col, int(next-offset))
				if !ok {
					return nil, errkind.Malformedf("shuffle key column %q contains null values", e.column)
				}
				if len(keys) > 0 && key.Type() != keys[0].Type() {
					return nil, errkind.Malformedf("shuffle key column %q mixes %s and %s values",
						e.column, keys[0].Type(), key.Type())
				}
				keys = append(keys, key)
				taken++
				next += step
			}
			offset += rec.NumRows()
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	boundaries := make([]types.Literal, e.node.Partitions+1)
	for j := range boundaries {
		boundaries[j] = keys[j*(len(keys)-1)/e.node.Partitions]
	}
	return types.NewDivisions(boundaries)
}

// outputSchema returns the arrow schema of the shuffled records: the input
// schema with the key column marked as index. Nil is returned when no input
// holds a record.
func (e *shuffleExchange) outputSchema() (*arrow.Schema, error) {
	for _, slot := range e.slots {
		for _, rec := range slot.records {
			schema, err := types.SchemaFromArrow(rec.Schema())
			if err != nil {
				return nil, err
			}
			indexed, err := schema.WithIndex(e.column)
			if err != nil {
				return nil, err
			}
			return indexed.ToArrow(), nil
		}
	}
	return nil, nil
}

// buildBucket collects the rows of one output bucket from all input buffers,
// sorts them by the key column, and buffers them as fresh records. Rows with
// equal keys keep their input order.
func (e *shuffleExchange) buildBucket(ctx context.Context, partition int, divisions types.Divisions, schema *arrow.Schema) error {
	// A retried build starts over; drop the output of the failed attempt.
	releaseAll(e.buckets[partition])
	e.buckets[partition] = nil

	type rowRef struct {
		rec arrow.Record
		row int
		key types.Literal
	}
	var refs []rowRef

	for _, slot := range e.slots {
		for _, rec := range slot.records {
			if err := context.Cause(ctx); err != nil {
				return err
			}
			col, err := e.keyColumn(rec)
			if err != nil {
				return err
			}
			for i := range int(rec.NumRows()) {
				key, ok := literalAt(col, i)
				if !ok {
					return errkind.Malformedf("shuffle key column %q contains null values", e.column)
				}
				owner, err := bucketOf(divisions, key)
				if err != nil {
					return err
				}
				if owner == partition {
					refs = append(refs, rowRef{rec: rec, row: i, key: key})
				}
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].key.Compare(refs[j].key) < 0 })

	builder := array.NewRecordBuilder(e.c.alloc, schema)
	defer builder.Release()

	var out []arrow.Record
	rows := int64(0)
	for _, ref := range refs {
		if err := appendRow(builder, ref.rec, ref.row); err != nil {
			releaseAll(out)
			return err
		}
		rows++
		if rows >= e.c.batchSize {
			out = append(out, builder.NewRecord())
			rows = 0
		}
	}
	if rows > 0 {
		out = append(out, builder.NewRecord())
	}
	e.buckets[partition] = out
	return nil
}

func (e *shuffleExchange) keyColumn(rec arrow.Record) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(e.column)
	if len(idx) == 0 {
		return nil, fmt.Errorf("shuffle key column %q not found in input", e.column)
	}
	return rec.Column(idx[0]), nil
}

// records implements [exchange].
func (e *shuffleExchange) records(partition int) []arrow.Record {
	if partition < 0 || partition >= len(e.buckets) {
		return nil
	}
	return e.buckets[partition]
}

// close implements [exchange].
func (e *shuffleExchange) close() {
	e.releaseSlots()
	for i := range e.buckets {
		releaseAll(e.buckets[i])
		e.buckets[i] = nil
	}
}

func (e *shuffleExchange) releaseSlots() {
	for _, slot := range e.slots {
		if slot != nil {
			slot.reset()
		}
	}
}

// bucketOf returns the output partition owning the key. A key equal to an
// interior boundary belongs to the lower-indexed bucket; keys outside the
// boundary range clamp into the first or last bucket.
func bucketOf(divisions types.Divisions, key types.Literal) (int, error) {
	if key.Type() != divisions.Type() {
		return 0, errkind.Malformedf("shuffle key of type %s does not match division type %s",
			key.Type(), divisions.Type())
	}
	if i, ok := divisions.Locate(key); ok {
		return i, nil
	}
	if key.Compare(divisions.Min()) < 0 {
		return 0, nil
	}
	return divisions.NumPartitions() - 1, nil
}
