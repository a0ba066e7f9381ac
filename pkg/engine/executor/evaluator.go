package executor

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// ColumnVector is the result of evaluating an expression against a record:
// one value per input row, either backed by an Arrow array or by a single
// scalar repeated for every row.
type ColumnVector interface {
	// Type returns the element type of the vector.
	Type() types.DataType
	// Len returns the number of rows.
	Len() int64
	// Value returns the value at row i, or a null literal when the row is
	// null.
	Value(i int) types.Literal
}

// Scalar is a single value repeated for every input row.
type Scalar struct {
	value types.Literal
	rows  int64
}

var _ ColumnVector = (*Scalar)(nil)

func (v *Scalar) Type() types.DataType    { return v.value.Type() }
func (v *Scalar) Len() int64              { return v.rows }
func (v *Scalar) Value(int) types.Literal { return v.value }

// Array is a vector backed by an Arrow array: either a borrowed input
// column, or an array materialized by a kernel (owned is set, and the array
// is released with the vector).
type Array struct {
	array arrow.Array
	dt    types.DataType
	rows  int64
	owned bool
}

var _ ColumnVector = (*Array)(nil)

func (v *Array) Type() types.DataType { return v.dt }
func (v *Array) Len() int64           { return v.rows }

func (v *Array) Value(i int) types.Literal {
	lit, ok := literalAt(v.array, i)
	if !ok {
		return types.NullLiteral()
	}
	return lit
}

type expressionEvaluator struct {
	alloc memory.Allocator
}

func newExpressionEvaluator(alloc memory.Allocator) expressionEvaluator {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return expressionEvaluator{alloc: alloc}
}

// eval resolves an expression against a record. Array results borrow the
// record's columns and stay valid only as long as the record is.
func (e expressionEvaluator) eval(expr physical.Expression, input arrow.Record) (ColumnVector, error) {
	switch expr := expr.(type) {

	case *physical.LiteralExpr:
		return &Scalar{value: expr.Literal, rows: input.NumRows()}, nil

	case *physical.ColumnExpr:
		idx := input.Schema().FieldIndices(expr.Ref.Column)
		if len(idx) == 0 {
			return nil, fmt.Errorf("column %s not found in record", expr.Ref.Column)
		}
		field := input.Schema().Field(idx[0])
		dt, ok := types.FromArrow(field.Type)
		if !ok {
			return nil, fmt.Errorf("column %s has unsupported arrow type %s", expr.Ref.Column, field.Type)
		}
		return &Array{array: input.Column(idx[0]), dt: dt, rows: input.NumRows()}, nil

	case *physical.UnaryExpr:
		inner, err := e.eval(expr.Left, input)
		if err != nil {
			return nil, err
		}
		return evalUnary(e.alloc, expr.Op, inner)

	case *physical.BinaryExpr:
		lhs, err := e.eval(expr.Left, input)
		if err != nil {
			return nil, err
		}
		rhs, err := e.eval(expr.Right, input)
		if err != nil {
			return nil, err
		}
		return evalBinary(e.alloc, expr.Op, lhs, rhs)
	}

	return nil, fmt.Errorf("unknown expression: %v", expr)
}

// evalBoolean evaluates an expression expected to produce booleans, such as
// a filter predicate, and returns the materialized values. The returned
// array must be released by the caller.
func (e expressionEvaluator) evalBoolean(expr physical.Expression, input arrow.Record) (*array.Boolean, error) {
	vec, err := e.eval(expr, input)
	if err != nil {
		return nil, err
	}
	if vec.Type() != types.Bool {
		return nil, fmt.Errorf("predicate %s evaluates to %s, not %s", expr, vec.Type(), types.Bool)
	}

	switch vec := vec.(type) {
	case *Array:
		arr := vec.array.(*array.Boolean)
		if !vec.owned {
			arr.Retain()
		}
		return arr, nil
	default:
		b := array.NewBooleanBuilder(e.alloc)
		defer b.Release()
		for i := range int(vec.Len()) {
			lit := vec.Value(i)
			if lit.IsNull() {
				b.AppendNull()
				continue
			}
			b.Append(lit.Bool())
		}
		return b.NewBooleanArray(), nil
	}
}
