package executor

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/engine/planner/physical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/util/arrowtest"
)

// evalRecord carries one null per column so every kernel test exercises null
// propagation.
func evalRecord(t *testing.T, alloc memory.Allocator) arrow.Record {
	t.Helper()
	schema, err := types.NewSchema([]types.Column{
		{Name: "i", Type: types.Int64},
		{Name: "f", Type: types.Float64},
		{Name: "s", Type: types.String},
		{Name: "b", Type: types.Bool},
		{Name: "ts", Type: types.Timestamp},
	}, "")
	require.NoError(t, err)

	return arrowtest.Record(alloc, schema, arrowtest.Rows{
		{"i": int64(1), "f": 0.5, "s": "a", "b": true, "ts": arrowtest.Time("1995-01-15")},
		{"i": int64(2), "f": nil, "s": "b", "b": false, "ts": arrowtest.Time("1995-01-16")},
		{"i": nil, "f": 2.5, "s": nil, "b": nil, "ts": nil},
		{"i": int64(4), "f": 4.0, "s": "d", "b": true, "ts": arrowtest.Time("1995-01-17")},
	})
}

// vectorValues flattens a vector into native values, null rows becoming nil.
func vectorValues(v ColumnVector) []any {
	out := make([]any, v.Len())
	for i := range out {
		lit := v.Value(i)
		if lit.IsNull() {
			out[i] = nil
			continue
		}
		switch lit.Type() {
		case types.Bool:
			out[i] = lit.Bool()
		case types.Int64:
			out[i] = lit.Int64()
		case types.Float64:
			out[i] = lit.Float64()
		case types.String:
			out[i] = lit.Str()
		case types.Timestamp:
			out[i] = lit.Time()
		}
	}
	return out
}

func col(name string) *physical.ColumnExpr { return physical.NewColumnExpr(name) }

func TestEvaluator(t *testing.T) {
	alloc := testAlloc(t)
	rec := evalRecord(t, alloc)
	defer rec.Release()
	ev := newExpressionEvaluator(alloc)

	eval := func(t *testing.T, expr physical.Expression) []any {
		t.Helper()
		vec, err := ev.eval(expr, rec)
		require.NoError(t, err)
		defer releaseVector(vec)
		return vectorValues(vec)
	}

	t.Run("literal repeats for every row", func(t *testing.T) {
		vec, err := ev.eval(physical.NewLiteral(types.Int64Literal(42)), rec)
		require.NoError(t, err)
		require.Equal(t, types.Int64, vec.Type())
		require.EqualValues(t, 4, vec.Len())
		require.Equal(t, []any{int64(42), int64(42), int64(42), int64(42)}, vectorValues(vec))
	})

	t.Run("column borrows the input", func(t *testing.T) {
		require.Equal(t, []any{int64(1), int64(2), nil, int64(4)}, eval(t, col("i")))
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := ev.eval(col("ghost"), rec)
		require.ErrorContains(t, err, "not found")
	})

	t.Run("int comparison", func(t *testing.T) {
		require.Equal(t, []any{false, true, nil, true}, eval(t, &physical.BinaryExpr{
			Left:  col("i"),
			Right: physical.NewLiteral(types.Int64Literal(1)),
			Op:    types.BinaryOpGt,
		}))
	})

	t.Run("mixed numeric comparison widens", func(t *testing.T) {
		require.Equal(t, []any{true, nil, nil, true}, eval(t, &physical.BinaryExpr{
			Left:  col("i"),
			Right: col("f"),
			Op:    types.BinaryOpGte,
		}))
	})

	t.Run("string comparison", func(t *testing.T) {
		require.Equal(t, []any{false, true, nil, false}, eval(t, &physical.BinaryExpr{
			Left:  col("s"),
			Right: physical.NewLiteral(types.StringLiteral("b")),
			Op:    types.BinaryOpEq,
		}))
	})

	t.Run("timestamp comparison", func(t *testing.T) {
		require.Equal(t, []any{false, true, nil, true}, eval(t, &physical.BinaryExpr{
			Left:  col("ts"),
			Right: physical.NewLiteral(types.TimestampLiteral(arrowtest.Time("1995-01-15"))),
			Op:    types.BinaryOpGt,
		}))
	})

	t.Run("bool equality", func(t *testing.T) {
		require.Equal(t, []any{true, false, nil, true}, eval(t, &physical.BinaryExpr{
			Left:  col("b"),
			Right: physical.NewLiteral(types.BoolLiteral(true)),
			Op:    types.BinaryOpEq,
		}))
		require.Equal(t, []any{false, true, nil, false}, eval(t, &physical.BinaryExpr{
			Left:  col("b"),
			Right: physical.NewLiteral(types.BoolLiteral(true)),
			Op:    types.BinaryOpNeq,
		}))
	})

	t.Run("bool ordering is rejected", func(t *testing.T) {
		_, err := ev.eval(&physical.BinaryExpr{
			Left:  col("b"),
			Right: physical.NewLiteral(types.BoolLiteral(true)),
			Op:    types.BinaryOpGt,
		}, rec)
		require.ErrorContains(t, err, "not defined for bool")
	})

	t.Run("not", func(t *testing.T) {
		require.Equal(t, []any{false, true, nil, false}, eval(t, &physical.UnaryExpr{
			Left: col("b"),
			Op:   types.UnaryOpNot,
		}))
	})

	t.Run("not needs booleans", func(t *testing.T) {
		_, err := ev.eval(&physical.UnaryExpr{Left: col("i"), Op: types.UnaryOpNot}, rec)
		require.ErrorContains(t, err, "bool")
	})

	t.Run("and propagates nulls", func(t *testing.T) {
		iGt1 := &physical.BinaryExpr{Left: col("i"), Right: physical.NewLiteral(types.Int64Literal(1)), Op: types.BinaryOpGt}
		fGt1 := &physical.BinaryExpr{Left: col("f"), Right: physical.NewLiteral(types.Float64Literal(1.0)), Op: types.BinaryOpGt}

		require.Equal(t, []any{false, nil, nil, true}, eval(t, &physical.BinaryExpr{
			Left: iGt1, Right: fGt1, Op: types.BinaryOpAnd,
		}))
		require.Equal(t, []any{false, nil, nil, true}, eval(t, &physical.BinaryExpr{
			Left: iGt1, Right: fGt1, Op: types.BinaryOpOr,
		}))
	})

	t.Run("and needs booleans", func(t *testing.T) {
		_, err := ev.eval(&physical.BinaryExpr{Left: col("i"), Right: col("i"), Op: types.BinaryOpAnd}, rec)
		require.ErrorContains(t, err, "bool")
	})

	t.Run("null literal blanks the result", func(t *testing.T) {
		require.Equal(t, []any{nil, nil, nil, nil}, eval(t, &physical.BinaryExpr{
			Left:  col("i"),
			Right: physical.NewLiteral(types.NullLiteral()),
			Op:    types.BinaryOpGt,
		}))
	})

	t.Run("incompatible types", func(t *testing.T) {
		_, err := ev.eval(&physical.BinaryExpr{Left: col("s"), Right: col("i"), Op: types.BinaryOpEq}, rec)
		require.ErrorContains(t, err, "cannot compare")
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := evalBinary(alloc, types.BinaryOpEq,
			&Scalar{value: types.Int64Literal(1), rows: 2},
			&Scalar{value: types.Int64Literal(1), rows: 3},
		)
		require.ErrorContains(t, err, "different lengths")
	})
}

func TestEvaluator_evalBoolean(t *testing.T) {
	alloc := testAlloc(t)
	rec := evalRecord(t, alloc)
	defer rec.Release()
	ev := newExpressionEvaluator(alloc)

	t.Run("materializes scalars", func(t *testing.T) {
		arr, err := ev.evalBoolean(physical.NewLiteral(types.BoolLiteral(true)), rec)
		require.NoError(t, err)
		defer arr.Release()

		require.Equal(t, 4, arr.Len())
		for i := 0; i < arr.Len(); i++ {
			require.True(t, arr.Value(i))
		}
	})

	t.Run("retains borrowed arrays", func(t *testing.T) {
		arr, err := ev.evalBoolean(col("b"), rec)
		require.NoError(t, err)
		defer arr.Release()

		require.Equal(t, 4, arr.Len())
		require.True(t, arr.Value(0))
		require.False(t, arr.Value(1))
		require.True(t, arr.IsNull(2))
	})

	t.Run("rejects non-boolean expressions", func(t *testing.T) {
		_, err := ev.evalBoolean(col("i"), rec)
		require.ErrorContains(t, err, "evaluates to")
	})
}
