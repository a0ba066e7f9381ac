package logical

import (
	"fmt"
	"time"

	"github.com/keelproject/keel/pkg/engine/types"
)

// Builder wraps a [Value] so plans can be built through chained calls. Each
// call returns a new Builder for the resulting value; the wrapped values
// form a tree that [Builder.ToPlan] flattens into SSA form.
type Builder struct {
	val Value
}

// NewBuilder returns a Builder for the given value, usually a [MakeTable].
func NewBuilder(val Value) *Builder {
	return &Builder{val: val}
}

// Value returns the value wrapped by the Builder.
func (b *Builder) Value() Value {
	return b.val
}

// Select filters rows with the given predicate expression.
func (b *Builder) Select(predicate Value) *Builder {
	return &Builder{
		val: &Select{
			Table:     b.val,
			Predicate: predicate,
		},
	}
}

// Project narrows the relation to the given columns.
func (b *Builder) Project(columns ...*ColumnRef) *Builder {
	return &Builder{
		val: &Projection{
			Table:   b.val,
			Columns: columns,
		},
	}
}

// SetIndex re-partitions the relation by ranges of the given column and
// marks it as the index. Pass explicit divisions, or nil to derive
// boundaries from samples keys per input partition.
func (b *Builder) SetIndex(column *ColumnRef, partitions int, divisions types.Divisions, samples int) *Builder {
	return &Builder{
		val: &SetIndex{
			Table:      b.val,
			Column:     column,
			Partitions: partitions,
			Divisions:  divisions,
			Samples:    samples,
		},
	}
}

// Repartition changes the number of partitions of the indexed relation.
func (b *Builder) Repartition(partitions int) *Builder {
	return &Builder{
		val: &Repartition{
			Table:      b.val,
			Partitions: partitions,
		},
	}
}

// GroupBy groups rows by the key columns and reduces the value columns with
// a single aggregation type.
func (b *Builder) GroupBy(keys []*ColumnRef, typ types.AggregationType, columns ...*ColumnRef) *Builder {
	return &Builder{
		val: &GroupBy{
			Table:   b.val,
			Keys:    keys,
			Type:    typ,
			Columns: columns,
		},
	}
}

// Resample buckets rows of a timestamp-indexed relation into fixed
// intervals and reduces the value columns per bucket.
func (b *Builder) Resample(interval time.Duration, typ types.AggregationType, columns ...*ColumnRef) *Builder {
	return &Builder{
		val: &Resample{
			Table:    b.val,
			Interval: interval,
			Type:     typ,
			Columns:  columns,
		},
	}
}

// Limit truncates the relation to at most fetch rows after skipping the
// first skip rows.
func (b *Builder) Limit(skip, fetch uint32) *Builder {
	return &Builder{
		val: &Limit{
			Table: b.val,
			Skip:  skip,
			Fetch: fetch,
		},
	}
}

// ToPlan converts the value tree into a [Plan] in SSA form. Instructions
// are ordered so that every operand is computed before its use, shared
// values appear exactly once, and the plan ends with a [Return] of the
// built value.
func (b *Builder) ToPlan() (*Plan, error) {
	conv := &ssaConverter{visited: make(map[Value]bool)}
	if err := conv.process(b.val); err != nil {
		return nil, err
	}
	conv.instructions = append(conv.instructions, &Return{Value: b.val})
	return &Plan{Instructions: conv.instructions}, nil
}

type ssaConverter struct {
	instructions []Instruction
	visited      map[Value]bool
	counter      int
}

// process emits the instructions computing v in post order, operands before
// their uses. Column references and literals stay inline and emit nothing.
func (c *ssaConverter) process(v Value) error {
	if v == nil {
		return fmt.Errorf("logical plan value is nil")
	}
	if c.visited[v] {
		return nil
	}
	c.visited[v] = true

	switch v := v.(type) {
	case *ColumnRef, *Literal:
		return nil

	case *UnaryOp:
		if err := c.process(v.Value); err != nil {
			return err
		}
		v.id = c.nextID()

	case *BinOp:
		if err := c.process(v.Left); err != nil {
			return err
		}
		if err := c.process(v.Right); err != nil {
			return err
		}
		v.id = c.nextID()

	case *MakeTable:
		v.id = c.nextID()

	case *Select:
		if err := c.process(v.Table); err != nil {
			return err
		}
		if err := c.process(v.Predicate); err != nil {
			return err
		}
		v.id = c.nextID()

	case *Projection:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	case *SetIndex:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	case *Repartition:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	case *GroupBy:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	case *Resample:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	case *Limit:
		if err := c.process(v.Table); err != nil {
			return err
		}
		v.id = c.nextID()

	default:
		return fmt.Errorf("unsupported value type %T", v)
	}

	c.instructions = append(c.instructions, v.(Instruction))
	return nil
}

func (c *ssaConverter) nextID() string {
	c.counter++
	return fmt.Sprintf("%%%d", c.counter)
}
