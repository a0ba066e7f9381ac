package physical

import (
	"fmt"
	"strings"

	"github.com/keelproject/keel/pkg/engine/planner/internal/tree"
	"github.com/keelproject/keel/pkg/engine/types"
)

// BuildTree converts a physical plan node and its children into a tree
// structure that can be used for visualization and debugging purposes.
func BuildTree(p *Plan, n Node) *tree.Node {
	return toTree(p, n)
}

func toTree(p *Plan, n Node) *tree.Node {
	root := toTreeNode(n)
	for _, child := range p.Children(n) {
		if ch := toTree(p, child); ch != nil {
			root.Children = append(root.Children, ch)
		}
	}
	return root
}

func toTreeNode(n Node) *tree.Node {
	treeNode := tree.NewNode(n.Type().String(), n.ID())
	switch node := n.(type) {
	case *ScanCSV:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("location", false, node.Location),
			tree.NewProperty("partition", false, node.Partition),
		}
		treeNode.Properties = append(treeNode.Properties, scanProperties(node.Bounds, node.Projections, node.Predicates, node.Limit)...)
	case *ScanStore:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("handle", false, node.Handle),
			tree.NewProperty("partition", false, node.Partition),
		}
		treeNode.Properties = append(treeNode.Properties, scanProperties(node.Bounds, node.Projections, node.Predicates, node.Limit)...)
	case *Filter:
		for i := range node.Predicates {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty(fmt.Sprintf("predicate[%d]", i), false, node.Predicates[i].String()))
		}
	case *Projection:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("columns", true, toAnySlice(node.Columns)...),
		}
	case *Shuffle:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("column", false, node.Column),
			tree.NewProperty("partitions", false, node.Partitions),
		}
		if node.Divisions.Known() {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("divisions", false, node.Divisions))
		} else {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("samples", false, node.Samples))
		}
	case *Split:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("partitions", false, node.Partitions),
		}
	case *Bucket:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("partition", false, node.Partition),
		}
		if node.Bounds.Known() {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("bounds", false, node.Bounds))
		}
	case *HashAggregate:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("keys", true, toAnySlice(node.Keys)...),
			tree.NewProperty("operation", false, node.Operation),
			tree.NewProperty("columns", true, toAnySlice(node.Columns)...),
		}
	case *TimeAggregate:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("column", false, node.Column),
			tree.NewProperty("step", false, node.Step),
			tree.NewProperty("operation", false, node.Operation),
			tree.NewProperty("columns", true, toAnySlice(node.Columns)...),
		}
	case *Limit:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("skip", false, node.Skip),
			tree.NewProperty("fetch", false, node.Fetch),
		}
	}
	return treeNode
}

func scanProperties(bounds types.Bounds, projections []ColumnExpression, predicates []Expression, limit uint32) []tree.Property {
	var properties []tree.Property
	if bounds.Known() {
		properties = append(properties, tree.NewProperty("bounds", false, bounds))
	}
	if len(projections) > 0 {
		properties = append(properties, tree.NewProperty("projections", true, toAnySlice(projections)...))
	}
	for i := range predicates {
		properties = append(properties, tree.NewProperty(fmt.Sprintf("predicate[%d]", i), false, predicates[i].String()))
	}
	if limit > 0 {
		properties = append(properties, tree.NewProperty("limit", false, limit))
	}
	return properties
}

func toAnySlice[T any](s []T) []any {
	ret := make([]any, len(s))
	for i := range s {
		ret[i] = s[i]
	}
	return ret
}

// PrintAsTree converts a physical [Plan] into a human-readable tree
// representation. It processes each root node in the plan graph, and returns
// the combined string output of all trees joined by newlines.
func PrintAsTree(p *Plan) string {
	results := make([]string, 0, len(p.Roots()))

	for _, root := range p.Roots() {
		sb := &strings.Builder{}
		printer := tree.NewPrinter(sb)
		node := BuildTree(p, root)
		printer.Print(node)
		results = append(results, sb.String())
	}

	return strings.Join(results, "\n")
}
