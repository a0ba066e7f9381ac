package logical

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
)

func testTableDesc() *catalog.TableDesc {
	return &catalog.TableDesc{
		Name:   "orders",
		Format: catalog.FormatCSV,
		Schema: types.Schema{
			Columns: []types.Column{
				{Name: "ts", Type: types.Timestamp},
				{Name: "region", Type: types.String},
				{Name: "price", Type: types.Float64},
			},
		},
		Partitions: []catalog.PartitionDesc{
			{Location: "orders/2020.csv", Rows: -1, SizeBytes: 2048},
			{Location: "orders/2021.csv", Rows: -1, SizeBytes: 4096},
		},
	}
}

func TestPlan_String(t *testing.T) {
	// Build a query plan for this chain:
	//
	// read_csv("orders/*.csv").select(price > 21).project(ts, price).limit(10)
	b := NewBuilder(
		&MakeTable{Table: testTableDesc()},
	).Select(
		&BinOp{
			Left:  NewColumnRef("price"),
			Right: NewLiteral(21.5),
			Op:    types.BinaryOpGt,
		},
	).Project(
		NewColumnRef("ts"),
		NewColumnRef("price"),
	).Limit(0, 10)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)
	require.NotNil(t, ssaForm)

	t.Logf("SSA Form:\n%s", ssaForm.String())

	exp := `
%1 = MAKETABLE [table=orders, format=csv, partitions=2]
%2 = GT price 21.5
%3 = SELECT %1 [predicate=%2]
%4 = PROJECT %3 [columns=(ts, price)]
%5 = LIMIT %4 [skip=0, fetch=10]
RETURN %5
`
	requireLines(t, exp, ssaForm.String())
}

func TestPlan_String_compoundPredicate(t *testing.T) {
	start := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)

	b := NewBuilder(
		&MakeTable{Table: testTableDesc()},
	).Select(
		&BinOp{
			Left: &BinOp{
				Left:  NewColumnRef("ts"),
				Right: NewLiteral(start),
				Op:    types.BinaryOpGte,
			},
			Right: &UnaryOp{
				Op: types.UnaryOpNot,
				Value: &BinOp{
					Left:  NewColumnRef("region"),
					Right: NewLiteral("eu"),
					Op:    types.BinaryOpEq,
				},
			},
			Op: types.BinaryOpAnd,
		},
	)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)

	t.Logf("SSA Form:\n%s", ssaForm.String())

	exp := `
%1 = MAKETABLE [table=orders, format=csv, partitions=2]
%2 = GTE ts 1995-01-01T00:00:00Z
%3 = EQ region "eu"
%4 = NOT %3
%5 = AND %2 %4
%6 = SELECT %1 [predicate=%5]
RETURN %6
`
	requireLines(t, exp, ssaForm.String())
}

func TestPlan_String_shuffleAndAggregate(t *testing.T) {
	b := NewBuilder(
		&MakeTable{Table: testTableDesc()},
	).SetIndex(
		NewColumnRef("ts"), 4, nil, 64,
	).Resample(
		time.Hour, types.AggregationTypeMean, NewColumnRef("price"),
	)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)

	t.Logf("SSA Form:\n%s", ssaForm.String())

	exp := `
%1 = MAKETABLE [table=orders, format=csv, partitions=2]
%2 = SETINDEX %1 [column=ts, partitions=4, samples=64]
%3 = RESAMPLE %2 [interval=1h0m0s, type=mean, columns=(price)]
RETURN %3
`
	requireLines(t, exp, ssaForm.String())
}

func TestPlan_String_groupBy(t *testing.T) {
	b := NewBuilder(
		&MakeTable{Table: testTableDesc()},
	).GroupBy(
		[]*ColumnRef{NewColumnRef("region")},
		types.AggregationTypeSum,
		NewColumnRef("price"),
	)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)

	exp := `
%1 = MAKETABLE [table=orders, format=csv, partitions=2]
%2 = GROUPBY %1 [keys=(region), type=sum, columns=(price)]
RETURN %2
`
	requireLines(t, exp, ssaForm.String())
}

func TestPlan_String_explicitDivisions(t *testing.T) {
	divs, err := types.NewDivisions([]types.Literal{
		types.Int64Literal(0),
		types.Int64Literal(100),
		types.Int64Literal(200),
	})
	require.NoError(t, err)

	b := NewBuilder(
		&MakeTable{Table: testTableDesc()},
	).SetIndex(NewColumnRef("price"), 0, divs, 0).Repartition(8)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)

	exp := `
%1 = MAKETABLE [table=orders, format=csv, partitions=2]
%2 = SETINDEX %1 [column=price, divisions=3]
%3 = REPARTITION %2 [partitions=8]
RETURN %3
`
	requireLines(t, exp, ssaForm.String())
}

func TestPlan_Value(t *testing.T) {
	b := NewBuilder(&MakeTable{Table: testTableDesc()}).Limit(0, 5)

	ssaForm, err := b.ToPlan()
	require.NoError(t, err)

	limit, ok := ssaForm.Value().(*Limit)
	require.True(t, ok)
	require.Equal(t, uint32(5), limit.Fetch)
}

// requireLines compares two SSA dumps line by line for readable failures.
func requireLines(t *testing.T, exp, act string) {
	t.Helper()

	expLines := strings.Split(strings.TrimSpace(exp), "\n")
	actLines := strings.Split(strings.TrimSpace(act), "\n")
	require.Equal(t, len(expLines), len(actLines), "Expected and actual SSA output line counts do not match")

	for i, line := range expLines {
		require.Equal(t, strings.TrimSpace(line), strings.TrimSpace(actLines[i]), fmt.Sprintf("Mismatch at line %d", i+1))
	}
}
