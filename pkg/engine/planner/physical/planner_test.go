package physical

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/engine/internal/util/dag"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
)

func csvTable(t *testing.T, partitions int) *catalog.TableDesc {
	t.Helper()

	schema, err := types.NewSchema([]types.Column{
		{Name: "ts", Type: types.Timestamp},
		{Name: "symbol", Type: types.String},
		{Name: "price", Type: types.Float64},
	}, "")
	require.NoError(t, err)

	desc := &catalog.TableDesc{
		Name:   "trades",
		Format: catalog.FormatCSV,
		Schema: schema,
	}
	for i := 0; i < partitions; i++ {
		desc.Partitions = append(desc.Partitions, catalog.PartitionDesc{
			Location:  fmt.Sprintf("data/part-%d.csv", i),
			Rows:      -1,
			SizeBytes: 1 << 10,
		})
	}
	return desc
}

func storeTable(t *testing.T, boundaries ...int64) *catalog.TableDesc {
	t.Helper()

	schema, err := types.NewSchema([]types.Column{
		{Name: "id", Type: types.Int64},
		{Name: "price", Type: types.Float64},
	}, "id")
	require.NoError(t, err)

	literals := make([]types.Literal, len(boundaries))
	for i, b := range boundaries {
		literals[i] = types.Int64Literal(b)
	}
	divisions, err := types.NewDivisions(literals)
	require.NoError(t, err)

	desc := &catalog.TableDesc{
		Name:      "stored",
		Format:    catalog.FormatStore,
		Schema:    schema,
		Divisions: divisions,
	}
	for i := 0; i < divisions.NumPartitions(); i++ {
		desc.Partitions = append(desc.Partitions, catalog.PartitionDesc{
			Location: fmt.Sprintf("mem://stored/%d", i),
			Rows:     10,
			Bounds:   divisions.PartitionBounds(i),
		})
	}
	return desc
}

func build(t *testing.T, b *logical.Builder) *Plan {
	t.Helper()

	lp, err := b.ToPlan()
	require.NoError(t, err)
	plan, err := NewPlanner().Build(lp)
	require.NoError(t, err)
	return plan
}

func TestPlanner_Filter(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 3)}).
		Select(&logical.BinOp{
			Left:  logical.NewColumnRef("price"),
			Right: logical.NewLiteral(10.0),
			Op:    types.BinaryOpGt,
		}).
		Limit(0, 100)

	plan := build(t, b)
	require.Equal(t, 3, plan.Stats.PartitionsResolved)

	expected := `
Limit skip=0 fetch=100
└── Merge
    ├── Filter predicate[0]=GT(price, 10)
    │   └── ScanCSV location=data/part-0.csv partition=0
    ├── Filter predicate[0]=GT(price, 10)
    │   └── ScanCSV location=data/part-1.csv partition=1
    └── Filter predicate[0]=GT(price, 10)
        └── ScanCSV location=data/part-2.csv partition=2
`
	require.Equal(t, strings.TrimSpace(expected), strings.TrimSpace(PrintAsTree(plan)))
}

func TestPlanner_SetIndex(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
		SetIndex(logical.NewColumnRef("ts"), 3, nil, 8)

	plan := build(t, b)

	// 2 scans + 1 shuffle + 3 buckets + 1 merge
	require.Equal(t, 7, plan.Len())

	root, err := plan.Root()
	require.NoError(t, err)
	require.Equal(t, NodeTypeMerge, root.Type())

	buckets := plan.Children(root)
	require.Len(t, buckets, 3)

	// All buckets read from the same shuffle instance.
	shuffle := plan.Children(buckets[0])[0]
	for _, bucket := range buckets {
		require.Equal(t, NodeTypeBucket, bucket.Type())
		require.Same(t, shuffle, plan.Children(bucket)[0])
	}
	require.Len(t, plan.Children(shuffle), 2)
}

func TestPlanner_SetIndexWithDivisions(t *testing.T) {
	divisions, err := types.NewDivisions([]types.Literal{
		types.Int64Literal(0), types.Int64Literal(10), types.Int64Literal(20),
	})
	require.NoError(t, err)

	schema, err := types.NewSchema([]types.Column{{Name: "id", Type: types.Int64}}, "")
	require.NoError(t, err)
	desc := &catalog.TableDesc{
		Name:   "ids",
		Format: catalog.FormatCSV,
		Schema: schema,
		Partitions: []catalog.PartitionDesc{
			{Location: "ids/part-0.csv", Rows: -1},
		},
	}

	b := logical.NewBuilder(&logical.MakeTable{Table: desc}).
		SetIndex(logical.NewColumnRef("id"), 0, divisions, 0)

	plan := build(t, b)

	expected := `
Merge
├── Bucket partition=0 bounds=[0, 10]
│   └── Shuffle column=id partitions=2 divisions=[0, 10, 20]
│       └── ScanCSV location=ids/part-0.csv partition=0
└── Bucket partition=1 bounds=[10, 20]
    └── Shuffle column=id partitions=2 divisions=[0, 10, 20]
        └── ScanCSV location=ids/part-0.csv partition=0
`
	require.Equal(t, strings.TrimSpace(expected), strings.TrimSpace(PrintAsTree(plan)))
}

func TestPlanner_GroupBy(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
		GroupBy([]*logical.ColumnRef{logical.NewColumnRef("symbol")}, types.AggregationTypeSum, logical.NewColumnRef("price"))

	plan := build(t, b)

	expected := `
HashAggregate keys=(symbol) operation=sum columns=(price)
└── Merge
    ├── ScanCSV location=data/part-0.csv partition=0
    └── ScanCSV location=data/part-1.csv partition=1
`
	require.Equal(t, strings.TrimSpace(expected), strings.TrimSpace(PrintAsTree(plan)))
}

func TestPlanner_Resample(t *testing.T) {
	t.Run("indexed input", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
			SetIndex(logical.NewColumnRef("ts"), 2, nil, 8).
			Resample(time.Hour, types.AggregationTypeMean, logical.NewColumnRef("price"))

		plan := build(t, b)
		root, err := plan.Root()
		require.NoError(t, err)
		require.Equal(t, NodeTypeTimeAggregate, root.Type())

		agg := root.(*TimeAggregate)
		require.Equal(t, "ts", agg.Column.String())
	})

	t.Run("unindexed input fails", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
			Resample(time.Hour, types.AggregationTypeMean, logical.NewColumnRef("price"))

		lp, err := b.ToPlan()
		require.NoError(t, err)
		_, err = NewPlanner().Build(lp)
		require.ErrorContains(t, err, "indexed")
	})
}

func TestPlanner_Repartition(t *testing.T) {
	t.Run("shrink", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 4)}).Repartition(2)
		plan := build(t, b)

		expected := `
Merge
├── Merge
│   ├── ScanCSV location=data/part-0.csv partition=0
│   └── ScanCSV location=data/part-1.csv partition=1
└── Merge
    ├── ScanCSV location=data/part-2.csv partition=2
    └── ScanCSV location=data/part-3.csv partition=3
`
		require.Equal(t, strings.TrimSpace(expected), strings.TrimSpace(PrintAsTree(plan)))
	})

	t.Run("grow", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).Repartition(4)
		plan := build(t, b)

		root, err := plan.Root()
		require.NoError(t, err)
		buckets := plan.Children(root)
		require.Len(t, buckets, 4)
		for _, bucket := range buckets {
			require.Equal(t, NodeTypeBucket, bucket.Type())
			require.Equal(t, NodeTypeSplit, plan.Children(bucket)[0].Type())
		}
	})

	t.Run("unchanged", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).Repartition(2)
		plan := build(t, b)

		root, err := plan.Root()
		require.NoError(t, err)
		require.Equal(t, NodeTypeMerge, root.Type())
		require.Len(t, plan.Children(root), 2)
		require.Equal(t, 3, plan.Len())
	})
}

// Only the plan's final merge combines output partitions; the merges a
// shrinking repartition creates coalesce their inputs into one partition.
func TestPlanner_CombiningMerge(t *testing.T) {
	t.Run("root merge combines partitions", func(t *testing.T) {
		plan := build(t, logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}))

		root, err := plan.Root()
		require.NoError(t, err)
		require.True(t, root.(*Merge).Combine)
	})

	t.Run("shrink to one partition", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 3)}).Repartition(1)
		plan := build(t, b)

		root, err := plan.Root()
		require.NoError(t, err)
		require.False(t, root.(*Merge).Combine)
		require.Len(t, plan.Children(root), 3)
	})

	t.Run("shrink keeps group merges distinct", func(t *testing.T) {
		b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 4)}).Repartition(2)
		plan := build(t, b)

		root, err := plan.Root()
		require.NoError(t, err)
		require.True(t, root.(*Merge).Combine)
		for _, group := range plan.Children(root) {
			require.False(t, group.(*Merge).Combine)
		}
	})
}

func TestPlanner_StoreScansCarryBounds(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: storeTable(t, 0, 10, 20)})
	plan := build(t, b)

	leaves := plan.Leaves()
	require.Len(t, leaves, 2)
	for _, leaf := range leaves {
		scan := leaf.(*ScanStore)
		require.True(t, scan.Bounds.Known())
		require.Equal(t, "stored", scan.Handle)
	}
}

func collectIDs(t *testing.T, plan *Plan) []string {
	t.Helper()

	root, err := plan.Root()
	require.NoError(t, err)

	var ids []string
	require.NoError(t, plan.DFSWalk(root, func(n Node) error {
		ids = append(ids, n.ID())
		return nil
	}, dag.PreOrderWalk))
	slices.Sort(ids)
	return ids
}

func TestPlanner_DeterministicNodeIDs(t *testing.T) {
	query := func() *logical.Builder {
		return logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 3)}).
			Select(&logical.BinOp{
				Left:  logical.NewColumnRef("price"),
				Right: logical.NewLiteral(10.0),
				Op:    types.BinaryOpGt,
			}).
			Limit(0, 100)
	}

	first := build(t, query())
	second := build(t, query())

	// Identical queries over identical tables produce identical node
	// identities, independent of process state.
	require.Equal(t, collectIDs(t, first), collectIDs(t, second))
	require.Equal(t, PrintAsTree(first), PrintAsTree(second))

	// A different predicate changes the identity of everything above the
	// scans.
	different := build(t, logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 3)}).
		Select(&logical.BinOp{
			Left:  logical.NewColumnRef("price"),
			Right: logical.NewLiteral(99.0),
			Op:    types.BinaryOpGt,
		}).
		Limit(0, 100))

	firstRoot, err := first.Root()
	require.NoError(t, err)
	differentRoot, err := different.Root()
	require.NoError(t, err)
	require.NotEqual(t, firstRoot.ID(), differentRoot.ID())
}
