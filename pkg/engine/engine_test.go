package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/keelproject/keel/pkg/engine/executor"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
	"github.com/keelproject/keel/pkg/storage/memstore"
	"github.com/keelproject/keel/pkg/util/arrowtest"
)

const (
	idsP0CSV = "id,name\n30,c\n10,a\n50,e\n"
	idsP1CSV = "id,name\n20,b\n60,f\n40,d\n"
)

func testAlloc(t *testing.T) *memory.CheckedAllocator {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { alloc.AssertSize(t, 0) })
	return alloc
}

func testBucket(t *testing.T) objstore.Bucket {
	t.Helper()
	bucket, err := filesystem.NewBucket(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bucket.Close() })
	return bucket
}

func upload(t *testing.T, bucket objstore.Bucket, name, body string) {
	t.Helper()
	require.NoError(t, bucket.Upload(context.Background(), name, strings.NewReader(body)))
}

func idsTable(t *testing.T, bucket objstore.Bucket) *catalog.TableDesc {
	t.Helper()
	upload(t, bucket, "ids/part-0.csv", idsP0CSV)
	upload(t, bucket, "ids/part-1.csv", idsP1CSV)

	schema, err := types.NewSchema([]types.Column{
		{Name: "id", Type: types.Int64},
		{Name: "name", Type: types.String},
	}, "")
	require.NoError(t, err)

	return &catalog.TableDesc{
		Name:   "ids",
		Format: catalog.FormatCSV,
		Schema: schema,
		Partitions: []catalog.PartitionDesc{
			{Location: "ids/part-0.csv", Rows: -1},
			{Location: "ids/part-1.csv", Rows: -1},
		},
	}
}

// newTestEngine builds an engine over a fresh bucket and store with a
// leak-checked allocator.
func newTestEngine(t *testing.T) (*Engine, objstore.Bucket, *memstore.Store) {
	t.Helper()
	alloc := testAlloc(t)
	bucket := testBucket(t)
	store := memstore.New(memstore.Config{}, nil, nil)
	t.Cleanup(store.Close)

	e, err := New(Params{
		Bucket: bucket,
		Store:  store,
		Alloc:  alloc,
	})
	require.NoError(t, err)
	return e, bucket, store
}

// drain reads a result set to exhaustion and returns its rows.
func drain(t *testing.T, rs *ResultSet) arrowtest.Rows {
	t.Helper()
	defer rs.Close()

	var rows arrowtest.Rows
	for {
		rec, err := rs.Read(context.Background())
		if errors.Is(err, executor.EOF) {
			return rows
		}
		require.NoError(t, err)

		recRows, err := arrowtest.RecordRows(rec)
		rec.Release()
		require.NoError(t, err)
		rows = append(rows, recRows...)
	}
}

func TestNew(t *testing.T) {
	t.Run("needs storage", func(t *testing.T) {
		_, err := New(Params{})
		require.ErrorContains(t, err, "bucket or a store")
	})

	t.Run("rejects negative batch size", func(t *testing.T) {
		_, err := New(Params{
			Bucket: testBucket(t),
			Config: Config{BatchSize: -1},
		})
		require.ErrorContains(t, err, "batch size")
	})

	t.Run("defaults are applied", func(t *testing.T) {
		e, err := New(Params{Bucket: testBucket(t)})
		require.NoError(t, err)
		require.NotNil(t, e.logger)
		require.NotNil(t, e.alloc)
	})
}

func TestEngine_Execute(t *testing.T) {
	e, bucket, _ := newTestEngine(t)
	desc := idsTable(t, bucket)

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).
		Select(&logical.BinOp{
			Left:  logical.NewColumnRef("id"),
			Right: logical.NewLiteral(int64(20)),
			Op:    types.BinaryOpGt,
		}).
		ToPlan()
	require.NoError(t, err)

	rs, err := e.Execute(context.Background(), lp)
	require.NoError(t, err)

	// Partition order, not key order: the plan has no shuffle.
	require.Equal(t, arrowtest.Rows{
		{"id": int64(30), "name": "c"},
		{"id": int64(50), "name": "e"},
		{"id": int64(60), "name": "f"},
		{"id": int64(40), "name": "d"},
	}, drain(t, rs))

	st := rs.Stats()
	require.Equal(t, 2, st.PartitionsResolved)
	require.Zero(t, st.PartitionsPruned)
	require.EqualValues(t, 2, st.PartitionsScanned)
	require.EqualValues(t, 6, st.RowsRead)
	require.Positive(t, st.BytesRead)
	require.Zero(t, st.RowsShuffled)

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusSuccess)))
}

func TestEngine_Execute_nilPlan(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Execute(context.Background(), nil)
	require.ErrorContains(t, err, "plan is nil")
}

func TestEngine_Execute_planningError(t *testing.T) {
	e, _, _ := newTestEngine(t)

	schema, err := types.NewSchema([]types.Column{{Name: "id", Type: types.Int64}}, "")
	require.NoError(t, err)
	desc := &catalog.TableDesc{Name: "empty", Format: catalog.FormatCSV, Schema: schema}

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).ToPlan()
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), lp)
	require.ErrorContains(t, err, "no partitions")
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusFailure)))
}

func TestEngine_Execute_abandoned(t *testing.T) {
	e, bucket, _ := newTestEngine(t)
	desc := idsTable(t, bucket)

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).ToPlan()
	require.NoError(t, err)

	rs, err := e.Execute(context.Background(), lp)
	require.NoError(t, err)
	rs.Close()

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusCanceled)))
}

func TestEngine_Persist(t *testing.T) {
	e, bucket, store := newTestEngine(t)
	desc := idsTable(t, bucket)

	indexed, err := desc.Schema.WithIndex("id")
	require.NoError(t, err)

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).
		SetIndex(logical.NewColumnRef("id"), 2, nil, 4).
		ToPlan()
	require.NoError(t, err)

	persisted, st, err := e.Persist(context.Background(), lp, TableMeta{Schema: indexed})
	require.NoError(t, err)
	require.Equal(t, catalog.FormatStore, persisted.Format)
	require.Equal(t, 2, persisted.NumPartitions())
	require.EqualValues(t, 6, st.RowsShuffled)
	require.Equal(t, 1, store.Len())

	// Divisions are realized from the shuffled partition bounds.
	require.True(t, persisted.KnownDivisions())
	boundaries := persisted.Divisions
	require.Equal(t, types.Int64Literal(10), boundaries[0])
	require.Equal(t, types.Int64Literal(60), boundaries[len(boundaries)-1])

	t.Run("reading back is sorted", func(t *testing.T) {
		lp, err := logical.NewBuilder(&logical.MakeTable{Table: persisted}).ToPlan()
		require.NoError(t, err)

		rs, err := e.Execute(context.Background(), lp)
		require.NoError(t, err)
		require.Equal(t, arrowtest.Rows{
			{"id": int64(10), "name": "a"},
			{"id": int64(20), "name": "b"},
			{"id": int64(30), "name": "c"},
			{"id": int64(40), "name": "d"},
			{"id": int64(50), "name": "e"},
			{"id": int64(60), "name": "f"},
		}, drain(t, rs))
	})

	t.Run("lookups prune partitions", func(t *testing.T) {
		key := boundaries[1]
		lp, err := logical.NewBuilder(&logical.MakeTable{Table: persisted}).
			Select(&logical.BinOp{
				Left:  logical.NewColumnRef("id"),
				Right: logical.NewLiteralFrom(key),
				Op:    types.BinaryOpGt,
			}).
			ToPlan()
		require.NoError(t, err)

		rs, err := e.Execute(context.Background(), lp)
		require.NoError(t, err)
		rows := drain(t, rs)

		st := rs.Stats()
		require.Equal(t, 1, st.PartitionsPruned)
		require.EqualValues(t, 1, st.PartitionsScanned)
		for _, row := range rows {
			require.Greater(t, row["id"].(int64), key.Int64())
		}
	})
}

func TestEngine_Persist_explicitDivisions(t *testing.T) {
	e, bucket, _ := newTestEngine(t)
	desc := idsTable(t, bucket)

	divisions, err := types.NewDivisions([]types.Literal{
		types.Int64Literal(0), types.Int64Literal(30), types.Int64Literal(100),
	})
	require.NoError(t, err)

	indexed, err := desc.Schema.WithIndex("id")
	require.NoError(t, err)

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).
		SetIndex(logical.NewColumnRef("id"), 0, divisions, 0).
		ToPlan()
	require.NoError(t, err)

	persisted, _, err := e.Persist(context.Background(), lp, TableMeta{Schema: indexed, Divisions: divisions})
	require.NoError(t, err)
	require.Equal(t, divisions, persisted.Divisions)
}

func TestEngine_Persist_emptyResult(t *testing.T) {
	e, bucket, store := newTestEngine(t)
	desc := idsTable(t, bucket)

	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).
		Select(&logical.BinOp{
			Left:  logical.NewColumnRef("id"),
			Right: logical.NewLiteral(int64(1000)),
			Op:    types.BinaryOpGt,
		}).
		ToPlan()
	require.NoError(t, err)

	persisted, _, err := e.Persist(context.Background(), lp, TableMeta{Schema: desc.Schema})
	require.NoError(t, err)
	require.Equal(t, 2, persisted.NumPartitions())
	require.False(t, persisted.KnownDivisions())
	require.Equal(t, 1, store.Len())

	rs, err := e.Execute(context.Background(), mustPlan(t, logical.NewBuilder(&logical.MakeTable{Table: persisted})))
	require.NoError(t, err)
	require.Empty(t, drain(t, rs))
}

func TestEngine_Persist_storeFull(t *testing.T) {
	alloc := testAlloc(t)
	bucket := testBucket(t)
	store := memstore.New(memstore.Config{MaxBytes: flagext.Bytes(1)}, nil, nil)
	t.Cleanup(store.Close)

	e, err := New(Params{Bucket: bucket, Store: store, Alloc: alloc})
	require.NoError(t, err)

	desc := idsTable(t, bucket)
	lp, err := logical.NewBuilder(&logical.MakeTable{Table: desc}).ToPlan()
	require.NoError(t, err)

	_, _, err = e.Persist(context.Background(), lp, TableMeta{Schema: desc.Schema})
	require.ErrorIs(t, err, memstore.ErrStoreFull)
	require.Equal(t, 0, store.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.persists.WithLabelValues(statusFailure)))
}

func mustPlan(t *testing.T, b *logical.Builder) *logical.Plan {
	t.Helper()
	lp, err := b.ToPlan()
	require.NoError(t, err)
	return lp
}
