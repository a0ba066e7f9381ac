package dag

import "errors"

// WalkOrder defines the order in which a node and its children are visited.
type WalkOrder uint8

const (
	// PreOrderWalk processes the current node before visiting any of its
	// children.
	PreOrderWalk WalkOrder = iota

	// PostOrderWalk processes the current node after visiting all of its
	// children.
	PostOrderWalk
)

// WalkFunc is invoked for each node during a walk. Walking stops if WalkFunc
// returns a non-nil error.
type WalkFunc[NodeType Node] func(n NodeType) error

// Walk performs a depth-first traversal of outgoing edges starting at n,
// invoking f for each reachable node exactly once. Walk returns the error
// returned by f.
func (g *Graph[NodeType]) Walk(n NodeType, f WalkFunc[NodeType], order WalkOrder) error {
	visited := make(nodeSet)
	switch order {
	case PreOrderWalk:
		return g.preOrderWalk(n, f, visited)
	case PostOrderWalk:
		return g.postOrderWalk(n, f, visited)
	default:
		return errors.New("unsupported walk order. must be one of PreOrderWalk and PostOrderWalk")
	}
}

func (g *Graph[NodeType]) preOrderWalk(n NodeType, f WalkFunc[NodeType], visited nodeSet) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)

	if err := f(n); err != nil {
		return err
	}

	for _, child := range g.Children(n) {
		if err := g.preOrderWalk(child, f, visited); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph[NodeType]) postOrderWalk(n NodeType, f WalkFunc[NodeType], visited nodeSet) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)

	for _, child := range g.Children(n) {
		if err := g.postOrderWalk(child, f, visited); err != nil {
			return err
		}
	}

	return f(n)
}
