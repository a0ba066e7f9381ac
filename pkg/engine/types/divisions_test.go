package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ints(vs ...int64) []Literal {
	lits := make([]Literal, len(vs))
	for i, v := range vs {
		lits[i] = Int64Literal(v)
	}
	return lits
}

func TestNewDivisions(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		d, err := NewDivisions(ints(1, 3, 9))
		require.NoError(t, err)
		require.True(t, d.Known())
		require.Equal(t, 2, d.NumPartitions())
		require.Equal(t, Int64Literal(1), d.Min())
		require.Equal(t, Int64Literal(9), d.Max())
	})

	t.Run("too few boundaries", func(t *testing.T) {
		_, err := NewDivisions(ints(1))
		require.Error(t, err)
	})

	t.Run("decreasing boundaries", func(t *testing.T) {
		_, err := NewDivisions(ints(1, 5, 3))
		require.ErrorContains(t, err, "non-decreasing")
	})

	t.Run("mixed types", func(t *testing.T) {
		_, err := NewDivisions([]Literal{Int64Literal(1), StringLiteral("b")})
		require.Error(t, err)
	})

	t.Run("null boundaries", func(t *testing.T) {
		_, err := NewDivisions([]Literal{NullLiteral(), NullLiteral()})
		require.Error(t, err)
	})
}

func TestDivisions_Locate(t *testing.T) {
	// Partitions: p0=[1,3] p1=(3,5] p2=(5,9]
	d, err := NewDivisions(ints(1, 3, 5, 9))
	require.NoError(t, err)

	for _, tt := range []struct {
		key  int64
		want int
		ok   bool
	}{
		{key: 0, ok: false},
		{key: 1, want: 0, ok: true},
		{key: 2, want: 0, ok: true},
		{key: 3, want: 0, ok: true}, // boundary tie resolves to the lower partition
		{key: 4, want: 1, ok: true},
		{key: 5, want: 1, ok: true},
		{key: 6, want: 2, ok: true},
		{key: 9, want: 2, ok: true},
		{key: 10, ok: false},
	} {
		got, ok := d.Locate(Int64Literal(tt.key))
		require.Equal(t, tt.ok, ok, "key %d", tt.key)
		if tt.ok {
			require.Equal(t, tt.want, got, "key %d", tt.key)
		}
	}

	// Keys of a different type cannot be located.
	_, ok := d.Locate(StringLiteral("3"))
	require.False(t, ok)
}

func TestDivisions_Locate_skipsEmptyPartitions(t *testing.T) {
	// p2=(5,5] is empty, carried forward from p1's upper boundary.
	d, err := NewDivisions(ints(1, 3, 5, 5, 9))
	require.NoError(t, err)

	got, ok := d.Locate(Int64Literal(5))
	require.True(t, ok)
	require.Equal(t, 1, got)

	got, ok = d.Locate(Int64Literal(6))
	require.True(t, ok)
	require.Equal(t, 3, got)
}

func TestDivisionsFromBounds(t *testing.T) {
	t.Run("contiguous", func(t *testing.T) {
		d, err := DivisionsFromBounds([]Bounds{
			NewBounds(Int64Literal(1), Int64Literal(3)),
			NewBounds(Int64Literal(5), Int64Literal(9)),
		})
		require.NoError(t, err)
		require.Equal(t, Divisions(ints(1, 3, 9)), d)
	})

	t.Run("empty partition carries previous boundary", func(t *testing.T) {
		d, err := DivisionsFromBounds([]Bounds{
			NewBounds(Int64Literal(1), Int64Literal(3)),
			{},
			NewBounds(Int64Literal(5), Int64Literal(9)),
		})
		require.NoError(t, err)
		require.Equal(t, Divisions(ints(1, 3, 3, 9)), d)
		require.Equal(t, 3, d.NumPartitions())
	})

	t.Run("overlapping bounds", func(t *testing.T) {
		_, err := DivisionsFromBounds([]Bounds{
			NewBounds(Int64Literal(1), Int64Literal(5)),
			NewBounds(Int64Literal(4), Int64Literal(9)),
		})
		require.Error(t, err)
	})

	t.Run("empty first partition", func(t *testing.T) {
		_, err := DivisionsFromBounds([]Bounds{
			{},
			NewBounds(Int64Literal(4), Int64Literal(9)),
		})
		require.Error(t, err)
	})
}

func TestDivisions_timestampBoundaries(t *testing.T) {
	y := func(year int) Literal {
		return TimestampLiteral(time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC))
	}

	d, err := NewDivisions([]Literal{y(1990), y(1991), y(1992), y(1993)})
	require.NoError(t, err)

	got, ok := d.Locate(TimestampLiteral(time.Date(1991, 6, 15, 0, 0, 0, 0, time.UTC)))
	require.True(t, ok)
	require.Equal(t, 1, got)

	// A timestamp equal to an interior boundary belongs to the partition below.
	got, ok = d.Locate(y(1991))
	require.True(t, ok)
	require.Equal(t, 0, got)
}

func TestBounds(t *testing.T) {
	var unknown Bounds
	require.False(t, unknown.Known())
	require.True(t, unknown.Contains(Int64Literal(42)))

	b := NewBounds(Int64Literal(3), Int64Literal(7))
	require.True(t, b.Known())
	require.True(t, b.Contains(Int64Literal(3)))
	require.True(t, b.Contains(Int64Literal(7)))
	require.False(t, b.Contains(Int64Literal(8)))

	b = b.Extend(Int64Literal(10))
	require.Equal(t, NewBounds(Int64Literal(3), Int64Literal(10)), b)

	b = b.Union(NewBounds(Int64Literal(-1), Int64Literal(4)))
	require.Equal(t, NewBounds(Int64Literal(-1), Int64Literal(10)), b)
}
