package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// executeHashAggregate builds a pipeline that groups rows by the values of
// the key columns and reduces each value column of a group to a single row.
func (c *Context) executeHashAggregate(ctx context.Context, node *physical.HashAggregate, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}
	if len(inputs) > 1 {
		return errorPipeline(ctx, errAggregateInput)
	}
	return &hashAggPipeline{c: c, node: node, input: inputs[0]}
}

// hashAggPipeline drains its input on the first read, aggregates it into
// per-group states keyed by a hash of the key values, and emits the groups
// sorted by key. Rows with a null key are dropped.
type hashAggPipeline struct {
	c     *Context
	node  *physical.HashAggregate
	input Pipeline

	initialized bool
	err         error
	out         []arrow.Record
}

var _ Pipeline = (*hashAggPipeline)(nil)

type aggGroup struct {
	keys   []types.Literal
	states []*aggState
}

// Read implements [Pipeline].
func (p *hashAggPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if !p.initialized {
		p.initialized = true
		p.err = p.aggregate(ctx)
	}
	if p.err != nil {
		return nil, p.err
	}
	if len(p.out) == 0 {
		return nil, EOF
	}
	rec := p.out[0]
	p.out = p.out[1:]
	return rec, nil
}

func (p *hashAggPipeline) aggregate(ctx context.Context) error {
	keys := columnNames(p.node.Keys)
	if len(keys) == 0 {
		return errors.New("hash aggregation expects at least one key column")
	}

	var (
		columns  []aggColumn
		keyIdx   []int
		keyTypes []types.DataType
		groups   = make(map[uint64][]*aggGroup)
		order    []*aggGroup
		digest   = xxhash.New()
		rowKeys  = make([]types.Literal, len(keys))
	)

	for {
		rec, err := p.input.Read(ctx)
		if errors.Is(err, EOF) {
			break
		}
		if err != nil {
			return err
		}

		if columns == nil {
			schema := rec.Schema()
			if columns, err = resolveAggColumns(schema, columnNames(p.node.Columns), keys, p.node.Operation); err != nil {
				rec.Release()
				return err
			}
			for _, key := range keys {
				idx := schema.FieldIndices(key)
				if len(idx) == 0 {
					rec.Release()
					return fmt.Errorf("key column %q not found in input", key)
				}
				typ, ok := types.FromArrow(schema.Field(idx[0]).Type)
				if !ok {
					rec.Release()
					return fmt.Errorf("key column %q has unsupported arrow type %s", key, schema.Field(idx[0]).Type)
				}
				keyIdx = append(keyIdx, idx[0])
				keyTypes = append(keyTypes, typ)
			}
		}

	rows:
		for i := range int(rec.NumRows()) {
			for k, idx := range keyIdx {
				key, ok := literalAt(rec.Column(idx), i)
				if !ok {
					continue rows
				}
				rowKeys[k] = key
			}

			digest.Reset()
			for _, key := range rowKeys {
				hashLiteral(digest, key)
			}
			sum := digest.Sum64()

			var grp *aggGroup
			for _, candidate := range groups[sum] {
				if literalsEqual(candidate.keys, rowKeys) {
					grp = candidate
					break
				}
			}
			if grp == nil {
				grp = &aggGroup{
					keys:   append([]types.Literal(nil), rowKeys...),
					states: make([]*aggState, len(columns)),
				}
				for c, col := range columns {
					grp.states[c] = newAggState(p.node.Operation, col.typ)
				}
				groups[sum] = append(groups[sum], grp)
				order = append(order, grp)
			}

			for c, col := range columns {
				if v, ok := literalAt(rec.Column(col.idx), i); ok {
					grp.states[c].observe(v)
				}
			}
		}
		rec.Release()

		if err := context.Cause(ctx); err != nil {
			return err
		}
	}
	if len(order) == 0 {
		return nil
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		for k := range a.keys {
			if cmp := a.keys[k].Compare(b.keys[k]); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})

	return p.emit(keys, keyTypes, columns, order)
}

// emit builds the output records: the key columns in order, then the
// aggregated value columns. A single key column becomes the index of the
// result.
func (p *hashAggPipeline) emit(keys []string, keyTypes []types.DataType, columns []aggColumn, order []*aggGroup) error {
	schema := types.Schema{}
	for k, key := range keys {
		schema.Columns = append(schema.Columns, types.Column{Name: key, Type: keyTypes[k]})
	}
	for _, col := range columns {
		schema.Columns = append(schema.Columns, types.Column{Name: col.name, Type: aggResultType(p.node.Operation, col.typ)})
	}
	if len(keys) == 1 {
		schema.Index = keys[0]
	}

	builder := array.NewRecordBuilder(p.c.alloc, schema.ToArrow())
	defer builder.Release()

	rows := int64(0)
	for _, grp := range order {
		for k, key := range grp.keys {
			if err := appendLiteral(builder.Field(k), key); err != nil {
				return err
			}
		}
		for c, state := range grp.states {
			if err := appendLiteral(builder.Field(len(grp.keys)+c), state.result()); err != nil {
				return err
			}
		}
		rows++
		if rows >= p.c.batchSize {
			p.out = append(p.out, builder.NewRecord())
			rows = 0
		}
	}
	if rows > 0 {
		p.out = append(p.out, builder.NewRecord())
	}
	return nil
}

// Close implements [Pipeline].
func (p *hashAggPipeline) Close() {
	releaseAll(p.out)
	p.out = nil
	p.input.Close()
}
