package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) Schema {
	t.Helper()
	s, err := NewSchema([]Column{
		{Name: "ts", Type: Timestamp},
		{Name: "name", Type: String},
		{Name: "value", Type: Float64},
	}, "ts")
	require.NoError(t, err)
	return s
}

func TestNewSchema(t *testing.T) {
	s := testSchema(t)
	require.Equal(t, []string{"ts", "name", "value"}, s.ColumnNames())

	idx, ok := s.IndexColumn()
	require.True(t, ok)
	require.Equal(t, Column{Name: "ts", Type: Timestamp}, idx)

	_, err := NewSchema([]Column{{Name: "a", Type: Int64}, {Name: "a", Type: String}}, "")
	require.ErrorContains(t, err, "duplicate column")

	_, err = NewSchema([]Column{{Name: "a", Type: Int64}}, "missing")
	require.ErrorContains(t, err, "not in schema")
}

func TestSchema_Project(t *testing.T) {
	s := testSchema(t)

	proj, err := s.Project("value", "ts")
	require.NoError(t, err)
	require.Equal(t, []string{"value", "ts"}, proj.ColumnNames())
	require.Equal(t, "ts", proj.Index)

	proj, err = s.Project("name")
	require.NoError(t, err)
	require.Empty(t, proj.Index, "dropping the index column drops the index")

	_, err = s.Project("missing")
	require.Error(t, err)
}

func TestSchema_ArrowRoundtrip(t *testing.T) {
	s := testSchema(t)

	as := s.ToArrow()
	require.Equal(t, 3, as.NumFields())

	got, err := SchemaFromArrow(as)
	require.NoError(t, err)
	require.True(t, s.Equal(got))
	require.Equal(t, "ts", got.Index)
}

func TestSchema_String(t *testing.T) {
	s := testSchema(t)
	require.Equal(t, "(ts* timestamp, name string, value float64)", s.String())
}
