package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/csvio"
)

func testBucket(t *testing.T, objects map[string]string) objstore.Bucket {
	t.Helper()
	bkt := objstore.NewInMemBucket()
	for name, content := range objects {
		require.NoError(t, bkt.Upload(context.Background(), name, strings.NewReader(content)))
	}
	return bkt
}

func TestCatalog_ResolveCSV(t *testing.T) {
	bkt := testBucket(t, map[string]string{
		"orders/1995.csv": "ts,qty\n1995-01-01,1\n",
		"orders/1996.csv": "ts,qty\n1996-01-01,2\n1996-02-01,3\n",
		"orders/1997.csv": "ts,qty\n1997-01-01,4\n",
		"orders/README":   "not a table",
		"other/x.csv":     "a\n1\n",

		"daily/year=1995/part.csv": "ts,qty\n1995-06-01,5\n",
		"daily/year=1996/part.csv": "ts,qty\n1996-06-01,6\n",
	})
	c := New(Config{}, bkt, nil, log.NewNopLogger(), prometheus.NewRegistry())

	t.Run("glob pattern", func(t *testing.T) {
		table, err := c.ResolveCSV(context.Background(), "orders/*.csv", csvio.Options{})
		require.NoError(t, err)

		require.Equal(t, FormatCSV, table.Format)
		require.Equal(t, 3, table.NumPartitions())
		require.False(t, table.KnownDivisions())

		// Partitions are ordered by object name.
		require.Equal(t, "orders/1995.csv", table.Partitions[0].Location)
		require.Equal(t, "orders/1997.csv", table.Partitions[2].Location)

		// Sizes come from object attributes, row counts are unknown.
		require.EqualValues(t, len("ts,qty\n1995-01-01,1\n"), table.Partitions[0].SizeBytes)
		require.EqualValues(t, -1, table.Partitions[0].Rows)

		require.Equal(t, []types.Column{
			{Name: "ts", Type: types.Timestamp},
			{Name: "qty", Type: types.Int64},
		}, table.Schema.Columns)
	})

	t.Run("nested prefixes", func(t *testing.T) {
		// Objects below intermediate prefixes require recursive listing.
		table, err := c.ResolveCSV(context.Background(), "daily/year=*/part.csv", csvio.Options{})
		require.NoError(t, err)
		require.Equal(t, 2, table.NumPartitions())
		require.Equal(t, "daily/year=1995/part.csv", table.Partitions[0].Location)
		require.Equal(t, "daily/year=1996/part.csv", table.Partitions[1].Location)
	})

	t.Run("exact object", func(t *testing.T) {
		table, err := c.ResolveCSV(context.Background(), "orders/1996.csv", csvio.Options{})
		require.NoError(t, err)
		require.Equal(t, 1, table.NumPartitions())
	})

	t.Run("no matches", func(t *testing.T) {
		_, err := c.ResolveCSV(context.Background(), "missing/*.csv", csvio.Options{})
		require.ErrorContains(t, err, "no objects match")
	})

	t.Run("type override", func(t *testing.T) {
		table, err := c.ResolveCSV(context.Background(), "orders/*.csv", csvio.Options{
			Types: map[string]types.DataType{"qty": types.Float64},
		})
		require.NoError(t, err)
		col, ok := table.Schema.Column("qty")
		require.True(t, ok)
		require.Equal(t, types.Float64, col.Type)
	})
}

type fakeStoreResolver map[string]*TableDesc

func (f fakeStoreResolver) ResolveStore(handle string) (*TableDesc, bool) {
	t, ok := f[handle]
	return t, ok
}

func TestCatalog_ResolveStore(t *testing.T) {
	desc := &TableDesc{Name: "persisted-1", Format: FormatStore}
	c := New(Config{}, objstore.NewInMemBucket(), fakeStoreResolver{"persisted-1": desc}, log.NewNopLogger(), prometheus.NewRegistry())

	got, err := c.ResolveStore(context.Background(), "persisted-1")
	require.NoError(t, err)
	require.Same(t, desc, got)

	_, err = c.ResolveStore(context.Background(), "unknown")
	require.ErrorContains(t, err, "not found in store")

	noStores := New(Config{}, objstore.NewInMemBucket(), nil, log.NewNopLogger(), prometheus.NewRegistry())
	_, err = noStores.ResolveStore(context.Background(), "persisted-1")
	require.Error(t, err)
}

func TestStaticPrefix(t *testing.T) {
	for _, tt := range []struct {
		pattern string
		want    string
	}{
		{pattern: "orders/*.csv", want: "orders/"},
		{pattern: "a/b/2023-*.csv.gz", want: "a/b/"},
		{pattern: "*.csv", want: ""},
		{pattern: "orders/1995.csv", want: "orders/"},
		{pattern: "data/year=[12]*/part.csv", want: "data/"},
	} {
		require.Equal(t, tt.want, staticPrefix(tt.pattern), "pattern %q", tt.pattern)
	}
}
