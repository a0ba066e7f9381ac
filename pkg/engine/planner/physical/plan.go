// Package physical lowers logical plans into executable physical plans.
//
// Planning is done in two steps:
//  1. Lowering
//     Instructions from the logical plan are converted into nodes in the
//     physical plan DAG. Table relations fan out into one scan node per
//     partition, and operators that preserve partitioning are planned once
//     per partition chain.
//  2. Optimization
//     Rule-based passes rewrite the DAG: predicates and limits move into
//     the scan nodes, and partitions whose bounds cannot satisfy the
//     predicates are removed from the plan.
package physical

import (
	"github.com/keelproject/keel/pkg/engine/internal/util/dag"
)

// Edge is a directed connection between a parent node and its child.
type Edge = dag.Edge[Node]

// Stats are counts collected during planning and optimization.
type Stats struct {
	// PartitionsResolved is the number of source partitions the plan
	// referenced before optimization.
	PartitionsResolved int
	// PartitionsPruned is the number of source partitions removed because
	// their bounds cannot contain rows matching the predicates.
	PartitionsPruned int
}

// Plan is a physical plan represented as a DAG of [Node]s. Edges point from
// consumers to producers: the root is the final operator of the plan and the
// leaves are its scan nodes.
type Plan struct {
	graph dag.Graph[Node]

	// Stats holds counts collected while building and optimizing the plan.
	Stats Stats
}

// FromGraph creates a plan from an already populated graph.
func FromGraph(graph dag.Graph[Node]) *Plan {
	return &Plan{graph: graph}
}

// addNode assigns the node its content-derived ID, inserts it into the plan,
// and connects it to its children. If a node with identical content already
// exists, that node is returned instead.
func (p *Plan) addNode(n Node, children ...Node) (Node, error) {
	n.setID(newNodeID(n, children...))
	added := p.graph.Add(n)
	for _, child := range children {
		if err := p.graph.AddEdge(Edge{Parent: added, Child: child}); err != nil {
			return nil, err
		}
	}
	return added, nil
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int {
	return p.graph.Len()
}

// Roots returns all nodes without parents. A valid plan has exactly one.
func (p *Plan) Roots() []Node {
	return p.graph.Roots()
}

// Root returns the root node of the plan, or an error if the plan does not
// have exactly one root.
func (p *Plan) Root() (Node, error) {
	return p.graph.Root()
}

// Leaves returns all nodes without children, which are the scan nodes of the
// plan.
func (p *Plan) Leaves() []Node {
	return p.graph.Leaves()
}

// Children returns the producers the given node reads from, in order.
func (p *Plan) Children(n Node) []Node {
	return p.graph.Children(n)
}

// Parents returns the consumers reading from the given node.
func (p *Plan) Parents(n Node) []Node {
	return p.graph.Parents(n)
}

// Lookup returns the node with the given ID.
func (p *Plan) Lookup(id string) (Node, bool) {
	return p.graph.Lookup(id)
}

// DFSWalk traverses the plan in the given order starting at node n.
func (p *Plan) DFSWalk(n Node, f func(Node) error, order dag.WalkOrder) error {
	return p.graph.Walk(n, f, order)
}

// eliminateNode removes the node and connects its parents directly to its
// children, keeping sibling order intact.
func (p *Plan) eliminateNode(n Node) {
	p.graph.Eliminate(n)
}

// removeSubtree removes the node and every producer reachable only through
// it.
func (p *Plan) removeSubtree(n Node) {
	p.graph.RemoveSubtree(n)
}
