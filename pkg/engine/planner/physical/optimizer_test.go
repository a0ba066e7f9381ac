package physical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/engine/internal/util/dag"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
)

func optimize(t *testing.T, plan *Plan) *Plan {
	t.Helper()
	plan, err := NewPlanner().Optimize(plan)
	require.NoError(t, err)
	return plan
}

func projectionNames(columns []ColumnExpression) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.String()
	}
	return names
}

func TestOptimizer_ProjectionPushdown(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
		Project(logical.NewColumnRef("ts"), logical.NewColumnRef("price"))

	plan := optimize(t, build(t, b))

	leaves := plan.Leaves()
	require.Len(t, leaves, 2)
	for _, leaf := range leaves {
		scan := leaf.(*ScanCSV)
		require.Equal(t, []string{"ts", "price"}, projectionNames(scan.Projections))
	}
}

// Columns a filter references stay in the scan output even when the
// projection above drops them, so the filter can still evaluate.
func TestOptimizer_ProjectionPushdownKeepsFilterColumns(t *testing.T) {
	var plan Plan

	scan, err := plan.addNode(&ScanCSV{
		Location: "data/part-0.csv",
		Schema:   csvTable(t, 1).Schema,
	})
	require.NoError(t, err)

	filter, err := plan.addNode(&Filter{
		Predicates: []Expression{&BinaryExpr{
			Left:  NewColumnExpr("symbol"),
			Right: NewLiteral(types.StringLiteral("ACME")),
			Op:    types.BinaryOpEq,
		}},
	}, scan)
	require.NoError(t, err)

	_, err = plan.addNode(&Projection{
		Columns: []ColumnExpression{NewColumnExpr("ts"), NewColumnExpr("price")},
	}, filter)
	require.NoError(t, err)

	root, err := plan.Root()
	require.NoError(t, err)
	newOptimization("ProjectionPushdown", &plan).withRules(
		&projectionPushdown{plan: &plan},
	).optimize(root)

	require.Equal(t, []string{"ts", "price", "symbol"}, projectionNames(scan.(*ScanCSV).Projections))
}

// Shuffles re-distribute whole rows, so projections above them must not
// narrow the scans feeding the exchange.
func TestOptimizer_ProjectionPushdownStopsAtExchanges(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
		SetIndex(logical.NewColumnRef("ts"), 2, nil, 4).
		Project(logical.NewColumnRef("ts"), logical.NewColumnRef("price"))

	plan := optimize(t, build(t, b))

	leaves := plan.Leaves()
	require.Len(t, leaves, 2)
	for _, leaf := range leaves {
		require.Empty(t, leaf.(*ScanCSV).Projections)
	}
}

func TestOptimizer_PredicatePushdownRemovesFilter(t *testing.T) {
	b := logical.NewBuilder(&logical.MakeTable{Table: csvTable(t, 2)}).
		Select(&logical.BinOp{
			Left:  logical.NewColumnRef("price"),
			Right: logical.NewLiteral(10.0),
			Op:    types.BinaryOpGt,
		})

	plan := optimize(t, build(t, b))

	root, err := plan.Root()
	require.NoError(t, err)
	require.NoError(t, plan.DFSWalk(root, func(n Node) error {
		require.NotEqual(t, NodeTypeFilter, n.Type())
		return nil
	}, dag.PreOrderWalk))

	for _, leaf := range plan.Leaves() {
		scan := leaf.(*ScanCSV)
		require.Len(t, scan.Predicates, 1)
		require.Equal(t, "GT(price, 10)", scan.Predicates[0].String())
	}
}
