// Package dag provides a generic directed acyclic graph used for physical
// plans and task schedules.
package dag

import (
	"fmt"
)

// Node is the constraint for graph nodes. Each node must have an identifier
// that is unique within the graph it is added to.
type Node interface {
	ID() string
}

// Edge is a directed edge from Parent to Child.
type Edge[NodeType Node] struct {
	Parent, Child NodeType
}

// nodeSet tracks visited nodes during graph traversal, keyed by node ID.
type nodeSet map[string]struct{}

func (s nodeSet) Add(n Node)           { s[n.ID()] = struct{}{} }
func (s nodeSet) Contains(n Node) bool { _, ok := s[n.ID()]; return ok }

// Graph is a directed acyclic graph of nodes. The zero value is an empty
// graph ready for use.
//
// Graph does not detect cycles on insertion; callers are expected to only
// add edges that keep the graph acyclic.
type Graph[NodeType Node] struct {
	nodes []NodeType
	byID  map[string]NodeType

	children map[string][]NodeType
	parents  map[string][]NodeType
}

func (g *Graph[NodeType]) init() {
	if g.byID == nil {
		g.byID = make(map[string]NodeType)
		g.children = make(map[string][]NodeType)
		g.parents = make(map[string][]NodeType)
	}
}

// Add inserts the node into the graph and returns it. Adding a node whose ID
// is already present is a no-op and returns the previously added node.
func (g *Graph[NodeType]) Add(n NodeType) NodeType {
	g.init()
	if existing, ok := g.byID[n.ID()]; ok {
		return existing
	}
	g.nodes = append(g.nodes, n)
	g.byID[n.ID()] = n
	return n
}

// AddEdge adds a directed edge from e.Parent to e.Child. Both nodes are
// added to the graph if not already present.
func (g *Graph[NodeType]) AddEdge(e Edge[NodeType]) error {
	if e.Parent.ID() == e.Child.ID() {
		return fmt.Errorf("edge from node %s to itself", e.Parent.ID())
	}
	parent := g.Add(e.Parent)
	child := g.Add(e.Child)

	for _, c := range g.children[parent.ID()] {
		if c.ID() == child.ID() {
			return nil // edge already exists
		}
	}
	g.children[parent.ID()] = append(g.children[parent.ID()], child)
	g.parents[child.ID()] = append(g.parents[child.ID()], parent)
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph[NodeType]) Len() int {
	return len(g.nodes)
}

// Nodes returns all nodes in insertion order.
func (g *Graph[NodeType]) Nodes() []NodeType {
	return g.nodes
}

// Lookup returns the node with the given ID.
func (g *Graph[NodeType]) Lookup(id string) (NodeType, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Children returns the nodes the given node has outgoing edges to.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType {
	return g.children[n.ID()]
}

// Parents returns the nodes that have outgoing edges to the given node.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType {
	return g.parents[n.ID()]
}

// Roots returns all nodes without incoming edges, in insertion order.
func (g *Graph[NodeType]) Roots() []NodeType {
	var roots []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n.ID()]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Root returns the single root of the graph. It returns an error if the
// graph has zero or more than one root.
func (g *Graph[NodeType]) Root() (NodeType, error) {
	var zero NodeType
	roots := g.Roots()
	if len(roots) != 1 {
		return zero, fmt.Errorf("expected graph to have exactly one root node, got %d", len(roots))
	}
	return roots[0], nil
}

// Leaves returns all nodes without outgoing edges, in insertion order.
func (g *Graph[NodeType]) Leaves() []NodeType {
	var leaves []NodeType
	for _, n := range g.nodes {
		if len(g.children[n.ID()]) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Eliminate removes the node from the graph and connects its parents
// directly to its children, preserving reachability. The children take the
// eliminated node's position in each parent's child list, so sibling order
// is kept intact.
func (g *Graph[NodeType]) Eliminate(n NodeType) {
	id := n.ID()
	if _, ok := g.byID[id]; !ok {
		return
	}
	parents := g.parents[id]
	children := g.children[id]

	for _, parent := range parents {
		g.children[parent.ID()] = spliceByID(g.children[parent.ID()], id, children)
	}
	for _, child := range children {
		g.parents[child.ID()] = spliceByID(g.parents[child.ID()], id, parents)
	}

	delete(g.parents, id)
	delete(g.children, id)
	delete(g.byID, id)
	g.nodes = removeByID(g.nodes, id)
}

// Remove removes the node and all its edges from the graph. Children that
// become unreachable are kept; use [Graph.RemoveSubtree] to drop them too.
func (g *Graph[NodeType]) Remove(n NodeType) {
	g.removeNode(n)
}

// RemoveSubtree removes the node and every descendant that is reachable only
// through it.
func (g *Graph[NodeType]) RemoveSubtree(n NodeType) {
	children := g.children[n.ID()]
	g.removeNode(n)
	for _, child := range children {
		if len(g.parents[child.ID()]) == 0 {
			g.RemoveSubtree(child)
		}
	}
}

func (g *Graph[NodeType]) removeNode(n NodeType) {
	id := n.ID()
	if _, ok := g.byID[id]; !ok {
		return
	}

	for _, parent := range g.parents[id] {
		g.children[parent.ID()] = removeByID(g.children[parent.ID()], id)
	}
	for _, child := range g.children[id] {
		g.parents[child.ID()] = removeByID(g.parents[child.ID()], id)
	}

	delete(g.parents, id)
	delete(g.children, id)
	delete(g.byID, id)
	g.nodes = removeByID(g.nodes, id)
}

func removeByID[NodeType Node](nodes []NodeType, id string) []NodeType {
	for i, n := range nodes {
		if n.ID() == id {
			return append(nodes[:i], nodes[i+1:]...)
		}
	}
	return nodes
}

// spliceByID replaces the node with the given ID by the replacement nodes,
// keeping the position of the replaced node. Replacements already present in
// the list are skipped to avoid duplicate edges.
func spliceByID[NodeType Node](nodes []NodeType, id string, replacements []NodeType) []NodeType {
	idx := -1
	present := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.ID() == id {
			idx = i
			continue
		}
		present[n.ID()] = struct{}{}
	}
	if idx < 0 {
		return nodes
	}

	spliced := make([]NodeType, 0, len(nodes)+len(replacements)-1)
	spliced = append(spliced, nodes[:idx]...)
	for _, r := range replacements {
		if _, ok := present[r.ID()]; ok {
			continue
		}
		spliced = append(spliced, r)
	}
	spliced = append(spliced, nodes[idx+1:]...)
	return spliced
}
