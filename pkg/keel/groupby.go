package keel

import (
	"fmt"
	"slices"
	"time"

	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// GroupBy is a pending grouping of a frame. It becomes a frame once an
// aggregator is applied.
type GroupBy struct {
	frame *Frame
	keys  []string
	err   error
}

// Sum reduces the value columns to their per-group sum. Without explicit
// columns, all non-key columns are reduced.
func (g *GroupBy) Sum(columns ...string) (*Frame, error) {
	return g.agg(types.AggregationTypeSum, columns)
}

// Mean reduces the value columns to their per-group arithmetic mean.
func (g *GroupBy) Mean(columns ...string) (*Frame, error) {
	return g.agg(types.AggregationTypeMean, columns)
}

// Min reduces the value columns to their per-group minimum.
func (g *GroupBy) Min(columns ...string) (*Frame, error) {
	return g.agg(types.AggregationTypeMin, columns)
}

// Max reduces the value columns to their per-group maximum.
func (g *GroupBy) Max(columns ...string) (*Frame, error) {
	return g.agg(types.AggregationTypeMax, columns)
}

// Count reduces the value columns to their per-group count of non-null
// values.
func (g *GroupBy) Count(columns ...string) (*Frame, error) {
	return g.agg(types.AggregationTypeCount, columns)
}

func (g *GroupBy) agg(op types.AggregationType, columns []string) (*Frame, error) {
	if g.err != nil {
		return nil, g.err
	}
	f := g.frame

	columns, err := resolveValueColumns(f.schema, g.keys, columns, op)
	if err != nil {
		return nil, err
	}

	schema := types.Schema{}
	for _, key := range g.keys {
		col, _ := f.schema.Column(key)
		schema.Columns = append(schema.Columns, col)
	}
	for _, name := range columns {
		col, _ := f.schema.Column(name)
		schema.Columns = append(schema.Columns, types.Column{Name: name, Type: aggResultType(op, col.Type)})
	}
	if len(g.keys) == 1 {
		schema.Index = g.keys[0]
	}

	val := &logical.GroupBy{
		Table:   f.val,
		Keys:    columnRefs(g.keys),
		Type:    op,
		Columns: columnRefs(columns),
	}
	return f.derive(val, schema, 1, nil), nil
}

// Resample is a pending time-bucketed aggregation of an indexed frame. It
// becomes a frame once an aggregator is applied.
type Resample struct {
	frame *Frame
	step  time.Duration
	err   error
}

// Sum reduces the value columns to their per-bucket sum. Without explicit
// columns, all non-index columns are reduced.
func (r *Resample) Sum(columns ...string) (*Frame, error) {
	return r.agg(types.AggregationTypeSum, columns)
}

// Mean reduces the value columns to their per-bucket arithmetic mean.
func (r *Resample) Mean(columns ...string) (*Frame, error) {
	return r.agg(types.AggregationTypeMean, columns)
}

// Min reduces the value columns to their per-bucket minimum.
func (r *Resample) Min(columns ...string) (*Frame, error) {
	return r.agg(types.AggregationTypeMin, columns)
}

// Max reduces the value columns to their per-bucket maximum.
func (r *Resample) Max(columns ...string) (*Frame, error) {
	return r.agg(types.AggregationTypeMax, columns)
}

// Count reduces the value columns to their per-bucket count of non-null
// values.
func (r *Resample) Count(columns ...string) (*Frame, error) {
	return r.agg(types.AggregationTypeCount, columns)
}

func (r *Resample) agg(op types.AggregationType, columns []string) (*Frame, error) {
	if r.err != nil {
		return nil, r.err
	}
	f := r.frame
	index := f.schema.Index

	columns, err := resolveValueColumns(f.schema, []string{index}, columns, op)
	if err != nil {
		return nil, err
	}

	schema := types.Schema{Index: index}
	schema.Columns = append(schema.Columns, types.Column{Name: index, Type: types.Timestamp})
	for _, name := range columns {
		col, _ := f.schema.Column(name)
		schema.Columns = append(schema.Columns, types.Column{Name: name, Type: aggResultType(op, col.Type)})
	}

	val := &logical.Resample{
		Table:    f.val,
		Interval: r.step,
		Type:     op,
		Columns:  columnRefs(columns),
	}
	return f.derive(val, schema, 1, nil), nil
}

// resolveValueColumns validates the requested value columns against the
// schema and the aggregation. Like the executor, only numeric columns can be
// aggregated, and the default is every numeric non-key column.
func resolveValueColumns(schema types.Schema, keys, columns []string, op types.AggregationType) ([]string, error) {
	if len(columns) == 0 {
		for _, col := range schema.Columns {
			if slices.Contains(keys, col.Name) || !numeric(col.Type) {
				continue
			}
			columns = append(columns, col.Name)
		}
		if len(columns) == 0 {
			return nil, fmt.Errorf("no numeric columns to apply %s to", op)
		}
		return columns, nil
	}

	for _, name := range columns {
		col, ok := schema.Column(name)
		if !ok {
			return nil, fmt.Errorf("unknown value column %q", name)
		}
		if slices.Contains(keys, name) {
			return nil, fmt.Errorf("column %q cannot be both key and value", name)
		}
		if !numeric(col.Type) {
			return nil, fmt.Errorf("cannot aggregate column %q of type %s", name, col.Type)
		}
	}
	return columns, nil
}

func numeric(typ types.DataType) bool {
	return typ == types.Int64 || typ == types.Float64
}

// aggResultType mirrors the executor's aggregation output typing: counts are
// integers, means are floats, everything else keeps the input type.
func aggResultType(op types.AggregationType, typ types.DataType) types.DataType {
	switch op {
	case types.AggregationTypeCount:
		return types.Int64
	case types.AggregationTypeMean:
		return types.Float64
	default:
		return typ
	}
}

func columnRefs(names []string) []*logical.ColumnRef {
	refs := make([]*logical.ColumnRef, len(names))
	for i, name := range names {
		refs[i] = logical.NewColumnRef(name)
	}
	return refs
}
