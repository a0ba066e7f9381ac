package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// executeTimeAggregate builds a pipeline that groups rows into fixed time
// buckets of the timestamp column and reduces each value column of a bucket
// to a single row.
func (c *Context) executeTimeAggregate(ctx context.Context, node *physical.TimeAggregate, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyPipeline()
	}
	if len(inputs) > 1 {
		return errorPipeline(ctx, errAggregateInput)
	}
	if node.Step <= 0 {
		return errorPipeline(ctx, fmt.Errorf("time aggregation expects a positive step, got %s", node.Step))
	}
	return &timeAggPipeline{c: c, node: node, input: inputs[0]}
}

// timeAggPipeline drains its input on the first read and emits one row per
// time bucket, ordered by time. Bucket boundaries are aligned to multiples
// of the step since the Unix epoch in UTC. Buckets between the first and
// last observed one are emitted even when empty, carrying a zero sum or
// count and nulls otherwise. Rows with a null timestamp are dropped.
type timeAggPipeline struct {
	c     *Context
	node  *physical.TimeAggregate
	input Pipeline

	initialized bool
	err         error
	out         []arrow.Record
}

var _ Pipeline = (*timeAggPipeline)(nil)

// Read implements [Pipeline].
func (p *timeAggPipeline) Read(ctx context.Context) (arrow.Record, error) {
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

func (p *timeAggPipeline) aggregate(ctx context.Context) error {
	column := ""
	if col, ok := p.node.Column.(*physical.ColumnExpr); ok {
		column = col.Ref.Column
	}
	if column == "" {
		return errors.New("time aggregation expects a timestamp column")
	}
	step := p.node.Step.Nanoseconds()

	var (
		columns  []aggColumn
		timeIdx  int
		groups   = make(map[int64][]*aggState)
		min, max int64
		seen     bool
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
			if columns, err = resolveAggColumns(schema, columnNames(p.node.Columns), []string{column}, p.node.Operation); err != nil {
				rec.Release()
				return err
			}
			idx := schema.FieldIndices(column)
			if len(idx) == 0 {
				rec.Release()
				return fmt.Errorf("column %q not found in input", column)
			}
			if typ, ok := types.FromArrow(schema.Field(idx[0]).Type); !ok || typ != types.Timestamp {
				rec.Release()
				return fmt.Errorf("column %q is not a timestamp column", column)
			}
			timeIdx = idx[0]
		}

		for i := range int(rec.NumRows()) {
			ts, ok := literalAt(rec.Column(timeIdx), i)
			if !ok {
				continue
			}
			bucket := bucketStart(ts.Time().UnixNano(), step)

			states, ok := groups[bucket]
			if !ok {
				states = make([]*aggState, len(columns))
				for c, col := range columns {
					states[c] = newAggState(p.node.Operation, col.typ)
				}
				groups[bucket] = states
				if !seen || bucket < min {
					min = bucket
				}
				if !seen || bucket > max {
					max = bucket
				}
				seen = true
			}

			for c, col := range columns {
				if v, ok := literalAt(rec.Column(col.idx), i); ok {
					states[c].observe(v)
				}
			}
		}
		rec.Release()

		if err := context.Cause(ctx); err != nil {
			return err
		}
	}
	if !seen {
		return nil
	}
	return p.emit(column, columns, groups, min, max, step)
}

// emit builds the output records: the bucket timestamps as the index column,
// then the aggregated value columns, one row per bucket in time order.
func (p *timeAggPipeline) emit(column string, columns []aggColumn, groups map[int64][]*aggState, min, max, step int64) error {
	schema := types.Schema{
		Columns: []types.Column{{Name: column, Type: types.Timestamp}},
		Index:   column,
	}
	for _, col := range columns {
		schema.Columns = append(schema.Columns, types.Column{Name: col.name, Type: aggResultType(p.node.Operation, col.typ)})
	}

	builder := array.NewRecordBuilder(p.c.alloc, schema.ToArrow())
	defer builder.Release()

	buckets := (max-min)/step + 1
	rows := int64(0)
	for i := int64(0); i < buckets; i++ {
		bucket := min + i*step
		states, ok := groups[bucket]
		if !ok {
			// Empty buckets report as if no value was observed.
			states = make([]*aggState, len(columns))
			for c, col := range columns {
				states[c] = newAggState(p.node.Operation, col.typ)
			}
		}

		builder.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(bucket))
		for c, state := range states {
			if err := appendLiteral(builder.Field(1+c), state.result()); err != nil {
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
func (p *timeAggPipeline) Close() {
	releaseAll(p.out)
	p.out = nil
	p.input.Close()
}

// bucketStart aligns a timestamp down to a multiple of step, flooring
// towards negative infinity for timestamps before the epoch.
func bucketStart(ts, step int64) int64 {
	r := ts % step
	if r < 0 {
		r += step
	}
	return ts - r
}
