package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLiteral(t *testing.T) {
	ts := time.Date(2024, 11, 5, 12, 30, 0, 0, time.UTC)

	for _, tt := range []struct {
		value any
		want  DataType
		str   string
	}{
		{value: nil, want: Null, str: "NULL"},
		{value: true, want: Bool, str: "true"},
		{value: 42, want: Int64, str: "42"},
		{value: int64(-7), want: Int64, str: "-7"},
		{value: 2.5, want: Float64, str: "2.5"},
		{value: "keel", want: String, str: `"keel"`},
		{value: ts, want: Timestamp, str: "2024-11-05T12:30:00Z"},
	} {
		t.Run(tt.want.String(), func(t *testing.T) {
			lit, err := NewLiteral(tt.value)
			require.NoError(t, err)
			require.Equal(t, tt.want, lit.Type())
			require.Equal(t, tt.str, lit.String())
		})
	}

	_, err := NewLiteral(struct{}{})
	require.Error(t, err)
}

func TestLiteral_Compare(t *testing.T) {
	for _, tt := range []struct {
		a, b Literal
		want int
	}{
		{Int64Literal(1), Int64Literal(2), -1},
		{Int64Literal(2), Int64Literal(2), 0},
		{Int64Literal(3), Int64Literal(2), 1},
		{Float64Literal(1.5), Float64Literal(2.5), -1},
		{StringLiteral("a"), StringLiteral("b"), -1},
		{StringLiteral("b"), StringLiteral("b"), 0},
		{BoolLiteral(false), BoolLiteral(true), -1},
		{
			TimestampLiteral(time.Unix(100, 0)),
			TimestampLiteral(time.Unix(200, 0)),
			-1,
		},
	} {
		require.Equal(t, tt.want, tt.a.Compare(tt.b), "%s <> %s", tt.a, tt.b)
	}
}

func TestLiteral_Compare_mixedTypesPanics(t *testing.T) {
	require.Panics(t, func() {
		_ = Int64Literal(1).Compare(StringLiteral("1"))
	})
	require.Panics(t, func() {
		_ = NullLiteral().Compare(NullLiteral())
	})
}

func TestLiteral_roundtrip(t *testing.T) {
	ts := time.Date(1995, 6, 1, 0, 0, 0, 0, time.UTC)

	require.Equal(t, int64(42), Int64Literal(42).Any())
	require.Equal(t, ts, TimestampLiteral(ts).Any())
	require.Equal(t, "x", StringLiteral("x").Str())
	require.True(t, NullLiteral().IsNull())

	// Timestamps normalize to UTC regardless of the input location.
	loc := time.FixedZone("UTC+2", 2*60*60)
	require.Equal(t, ts, TimestampLiteral(ts.In(loc)).Time())
}

func TestArrowTypeMapping(t *testing.T) {
	for _, ty := range []DataType{Null, Bool, Int64, Float64, Timestamp, String} {
		at := ArrowType(ty)
		got, ok := FromArrow(at)
		require.True(t, ok, "arrow type %s", at)
		require.Equal(t, ty, got)
	}
}
