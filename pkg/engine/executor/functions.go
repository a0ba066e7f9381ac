package executor

import (
	"cmp"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/keelproject/keel/pkg/engine/types"
)

// releaseVector releases arrays materialized by a kernel. Vectors borrowing
// a record column are left alone.
func releaseVector(v ColumnVector) {
	if a, ok := v.(*Array); ok && a.owned {
		a.array.Release()
	}
}

// evalUnary applies a unary operator to a vector. The input is consumed.
func evalUnary(alloc memory.Allocator, op types.UnaryOp, v ColumnVector) (ColumnVector, error) {
	defer releaseVector(v)

	if op != types.UnaryOpNot {
		return nil, fmt.Errorf("unsupported unary operator %s", op)
	}
	if v.Type() != types.Bool && v.Type() != types.Null {
		return nil, fmt.Errorf("operator %s needs a %s operand, got %s", op, types.Bool, v.Type())
	}

	get := vecBool(v)
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	for i := range int(v.Len()) {
		val, ok := get(i)
		if !ok {
			b.AppendNull()
			continue
		}
		b.Append(!val)
	}
	return &Array{array: b.NewBooleanArray(), dt: types.Bool, rows: v.Len(), owned: true}, nil
}

// evalBinary applies a binary operator to two vectors of equal length. Rows
// where either operand is null produce null. Both inputs are consumed.
func evalBinary(alloc memory.Allocator, op types.BinaryOp, lhs, rhs ColumnVector) (ColumnVector, error) {
	defer releaseVector(lhs)
	defer releaseVector(rhs)

	if lhs.Len() != rhs.Len() {
		return nil, fmt.Errorf("operator %s over vectors of different lengths %d and %d", op, lhs.Len(), rhs.Len())
	}

	lt, rt := lhs.Type(), rhs.Type()
	if lt == types.Null || rt == types.Null {
		return nullVector(alloc, lhs.Len()), nil
	}

	switch {
	case op == types.BinaryOpAnd || op == types.BinaryOpOr:
		if lt != types.Bool || rt != types.Bool {
			return nil, fmt.Errorf("operator %s needs %s operands, got %s and %s", op, types.Bool, lt, rt)
		}
		return logicalKernel(alloc, op, lhs, rhs), nil

	case !op.Comparison():
		return nil, fmt.Errorf("unsupported binary operator %s", op)

	case lt == types.Int64 && rt == types.Int64, lt == types.Timestamp && rt == types.Timestamp:
		return cmpKernel(alloc, op, lhs.Len(), vecInt64(lhs), vecInt64(rhs)), nil

	case isNumeric(lt) && isNumeric(rt):
		// Mixed numeric comparison widens to float.
		return cmpKernel(alloc, op, lhs.Len(), vecFloat64(lhs), vecFloat64(rhs)), nil

	case lt == types.String && rt == types.String:
		return cmpKernel(alloc, op, lhs.Len(), vecString(lhs), vecString(rhs)), nil

	case lt == types.Bool && rt == types.Bool:
		if op != types.BinaryOpEq && op != types.BinaryOpNeq {
			return nil, fmt.Errorf("operator %s is not defined for %s", op, types.Bool)
		}
		return boolEqKernel(alloc, op, lhs, rhs), nil

	default:
		return nil, fmt.Errorf("cannot compare %s with %s", lt, rt)
	}
}

func isNumeric(t types.DataType) bool {
	return t == types.Int64 || t == types.Float64
}

func nullVector(alloc memory.Allocator, rows int64) *Array {
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	for range int(rows) {
		b.AppendNull()
	}
	return &Array{array: b.NewBooleanArray(), dt: types.Bool, rows: rows, owned: true}
}

func ordCompare[T cmp.Ordered](op types.BinaryOp, a, b T) bool {
	switch op {
	case types.BinaryOpEq:
		return a == b
	case types.BinaryOpNeq:
		return a != b
	case types.BinaryOpGt:
		return a > b
	case types.BinaryOpGte:
		return a >= b
	case types.BinaryOpLt:
		return a < b
	default:
		return a <= b
	}
}

func cmpKernel[T cmp.Ordered](alloc memory.Allocator, op types.BinaryOp, rows int64, left, right func(int) (T, bool)) *Array {
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	for i := range int(rows) {
		lv, lok := left(i)
		rv, rok := right(i)
		if !lok || !rok {
			b.AppendNull()
			continue
		}
		b.Append(ordCompare(op, lv, rv))
	}
	return &Array{array: b.NewBooleanArray(), dt: types.Bool, rows: rows, owned: true}
}

func logicalKernel(alloc memory.Allocator, op types.BinaryOp, lhs, rhs ColumnVector) *Array {
	left, right := vecBool(lhs), vecBool(rhs)
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	for i := range int(lhs.Len()) {
		lv, lok := left(i)
		rv, rok := right(i)
		if !lok || !rok {
			b.AppendNull()
			continue
		}
		if op == types.BinaryOpAnd {
			b.Append(lv && rv)
		} else {
			b.Append(lv || rv)
		}
	}
	return &Array{array: b.NewBooleanArray(), dt: types.Bool, rows: lhs.Len(), owned: true}
}

func boolEqKernel(alloc memory.Allocator, op types.BinaryOp, lhs, rhs ColumnVector) *Array {
	left, right := vecBool(lhs), vecBool(rhs)
	b := array.NewBooleanBuilder(alloc)
	defer b.Release()
	for i := range int(lhs.Len()) {
		lv, lok := left(i)
		rv, rok := right(i)
		if !lok || !rok {
			b.AppendNull()
			continue
		}
		b.Append((lv == rv) == (op == types.BinaryOpEq))
	}
	return &Array{array: b.NewBooleanArray(), dt: types.Bool, rows: lhs.Len(), owned: true}
}

// Typed accessors over vectors. Each returns (value, false) for null rows.

func vecInt64(v ColumnVector) func(int) (int64, bool) {
	switch v := v.(type) {
	case *Scalar:
		if v.value.IsNull() {
			return func(int) (int64, bool) { return 0, false }
		}
		val := v.value.Int64()
		return func(int) (int64, bool) { return val, true }
	case *Array:
		switch a := v.array.(type) {
		case *array.Int64:
			return func(i int) (int64, bool) { return a.Value(i), !a.IsNull(i) }
		case *array.Timestamp:
			return func(i int) (int64, bool) { return int64(a.Value(i)), !a.IsNull(i) }
		}
	}
	return func(int) (int64, bool) { return 0, false }
}

func vecFloat64(v ColumnVector) func(int) (float64, bool) {
	switch v := v.(type) {
	case *Scalar:
		if v.value.IsNull() {
			return func(int) (float64, bool) { return 0, false }
		}
		var val float64
		if v.value.Type() == types.Int64 {
			val = float64(v.value.Int64())
		} else {
			val = v.value.Float64()
		}
		return func(int) (float64, bool) { return val, true }
	case *Array:
		switch a := v.array.(type) {
		case *array.Float64:
			return func(i int) (float64, bool) { return a.Value(i), !a.IsNull(i) }
		case *array.Int64:
			return func(i int) (float64, bool) { return float64(a.Value(i)), !a.IsNull(i) }
		}
	}
	return func(int) (float64, bool) { return 0, false }
}

func vecString(v ColumnVector) func(int) (string, bool) {
	switch v := v.(type) {
	case *Scalar:
		if v.value.IsNull() {
			return func(int) (string, bool) { return "", false }
		}
		val := v.value.Str()
		return func(int) (string, bool) { return val, true }
	case *Array:
		if a, ok := v.array.(*array.String); ok {
			return func(i int) (string, bool) { return a.Value(i), !a.IsNull(i) }
		}
	}
	return func(int) (string, bool) { return "", false }
}

func vecBool(v ColumnVector) func(int) (bool, bool) {
	switch v := v.(type) {
	case *Scalar:
		if v.value.IsNull() {
			return func(int) (bool, bool) { return false, false }
		}
		val := v.value.Bool()
		return func(int) (bool, bool) { return val, true }
	case *Array:
		if a, ok := v.array.(*array.Boolean); ok {
			return func(i int) (bool, bool) { return a.Value(i), !a.IsNull(i) }
		}
	}
	return func(int) (bool, bool) { return false, false }
}
