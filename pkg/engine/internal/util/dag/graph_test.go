package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	id string
}

func (n *testNode) ID() string { return n.id }

func node(id string) *testNode { return &testNode{id: id} }

// buildDiamond builds the graph
//
//	a ──> b ──> d
//	 \          ^
//	  `──> c ───╯
func buildDiamond(t *testing.T) (*Graph[*testNode], map[string]*testNode) {
	t.Helper()

	var g Graph[*testNode]
	nodes := map[string]*testNode{}
	for _, id := range []string{"a", "b", "c", "d"} {
		nodes[id] = g.Add(node(id))
	}

	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: nodes["a"], Child: nodes["b"]}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: nodes["a"], Child: nodes["c"]}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: nodes["b"], Child: nodes["d"]}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: nodes["c"], Child: nodes["d"]}))
	return &g, nodes
}

func TestGraph_AddAndEdges(t *testing.T) {
	g, nodes := buildDiamond(t)

	require.Equal(t, 4, g.Len())
	require.Equal(t, []*testNode{nodes["a"]}, g.Roots())
	require.Equal(t, []*testNode{nodes["d"]}, g.Leaves())
	require.ElementsMatch(t, []*testNode{nodes["b"], nodes["c"]}, g.Children(nodes["a"]))
	require.ElementsMatch(t, []*testNode{nodes["b"], nodes["c"]}, g.Parents(nodes["d"]))

	root, err := g.Root()
	require.NoError(t, err)
	require.Equal(t, nodes["a"], root)

	// Duplicate IDs resolve to the previously added node.
	require.Same(t, nodes["a"], g.Add(node("a")))
	require.Equal(t, 4, g.Len())

	// Duplicate edges are ignored.
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: nodes["a"], Child: nodes["b"]}))
	require.Len(t, g.Children(nodes["a"]), 2)

	// Self edges are rejected.
	require.Error(t, g.AddEdge(Edge[*testNode]{Parent: nodes["a"], Child: nodes["a"]}))
}

func TestGraph_Walk(t *testing.T) {
	g, nodes := buildDiamond(t)

	collect := func(order WalkOrder) []string {
		var got []string
		err := g.Walk(nodes["a"], func(n *testNode) error {
			got = append(got, n.id)
			return nil
		}, order)
		require.NoError(t, err)
		return got
	}

	require.Equal(t, []string{"a", "b", "d", "c"}, collect(PreOrderWalk))
	require.Equal(t, []string{"d", "b", "c", "a"}, collect(PostOrderWalk))
}

// Traversal is keyed by node ID, not pointer identity: starting a walk from a
// detached node value with a known ID still covers each node exactly once.
func TestGraph_WalkByID(t *testing.T) {
	g, _ := buildDiamond(t)

	var got []string
	err := g.Walk(node("a"), func(n *testNode) error {
		got = append(got, n.id)
		return nil
	}, PreOrderWalk)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "d", "c"}, got)
}

func TestGraph_Eliminate(t *testing.T) {
	g, nodes := buildDiamond(t)

	// Eliminating b must keep d reachable from a.
	g.Eliminate(nodes["b"])

	require.Equal(t, 3, g.Len())
	require.ElementsMatch(t, []*testNode{nodes["c"], nodes["d"]}, g.Children(nodes["a"]))
	require.ElementsMatch(t, []*testNode{nodes["a"], nodes["c"]}, g.Parents(nodes["d"]))
}

func TestGraph_EliminateKeepsSiblingOrder(t *testing.T) {
	var g Graph[*testNode]
	m, x, y, z, w := g.Add(node("m")), g.Add(node("x")), g.Add(node("y")), g.Add(node("z")), g.Add(node("w"))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: m, Child: x}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: m, Child: y}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: m, Child: z}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: y, Child: w}))

	// w must take y's position between x and z.
	g.Eliminate(y)
	require.Equal(t, []*testNode{x, w, z}, g.Children(m))
	require.Equal(t, []*testNode{m}, g.Parents(w))
}

func TestGraph_RemoveSubtree(t *testing.T) {
	var g Graph[*testNode]
	a, b, c, d := g.Add(node("a")), g.Add(node("b")), g.Add(node("c")), g.Add(node("d"))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: a, Child: b}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: a, Child: c}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: b, Child: d}))
	require.NoError(t, g.AddEdge(Edge[*testNode]{Parent: c, Child: d}))

	// d has another parent, so removing b keeps it.
	g.RemoveSubtree(b)
	require.Equal(t, 3, g.Len())
	_, ok := g.Lookup("d")
	require.True(t, ok)

	// Now d is reachable only through c.
	g.RemoveSubtree(c)
	require.Equal(t, 1, g.Len())
	require.Equal(t, []*testNode{a}, g.Nodes())
}
