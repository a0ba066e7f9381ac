// Package tree renders hierarchical structures, such as physical plans, as
// text trees with box-drawing connectors.
package tree

import (
	"fmt"
	"io"
	"strings"
)

// Property represents a property of a [Node]. It is a key-value-pair, where
// the value is either a single value or a list of values.
// A single-value property is represented as `key=value` and a multi-value
// property as `key=(value1, value2, ...)`.
type Property struct {
	// Key is the name of the property.
	Key string
	// Values holds the value(s) of the property.
	Values []any
	// IsMultiValue marks whether the property is a multi-value property.
	IsMultiValue bool
}

// NewProperty creates a new Property with the specified key, multi-value flag, and values.
// The multi parameter determines if the property should be treated as a multi-value property.
func NewProperty(key string, multi bool, values ...any) Property {
	return Property{
		Key:          key,
		Values:       values,
		IsMultiValue: multi,
	}
}

func (p Property) String() string {
	if p.IsMultiValue {
		values := make([]string, len(p.Values))
		for i := range p.Values {
			values[i] = fmt.Sprintf("%v", p.Values[i])
		}
		return fmt.Sprintf("%s=(%s)", p.Key, strings.Join(values, ", "))
	}
	if len(p.Values) == 0 {
		return p.Key + "="
	}
	return fmt.Sprintf("%s=%v", p.Key, p.Values[0])
}

// Node represents a node in a tree structure that can be traversed and printed
// by the [Printer].
// It allows for building hierarchical representations of data where each node
// can have multiple properties and multiple children.
type Node struct {
	// ID is a unique identifier for the node.
	ID string
	// Name is the display name of the node.
	Name string
	// Properties contains a list of key-value properties associated with the node.
	Properties []Property
	// Children are child nodes of the node.
	Children []*Node
}

// NewNode creates a new node with the given name, unique identifier and
// properties.
func NewNode(name, id string, properties ...Property) *Node {
	return &Node{
		ID:         id,
		Name:       name,
		Properties: properties,
	}
}

// AddChild creates a new node with the given name, unique identifier, and properties
// and adds it to the parent node.
func (n *Node) AddChild(name, id string, properties []Property) *Node {
	child := NewNode(name, id, properties...)
	n.Children = append(n.Children, child)
	return child
}

func (n *Node) header() string {
	if len(n.Properties) == 0 {
		return n.Name
	}
	properties := make([]string, len(n.Properties))
	for i := range n.Properties {
		properties[i] = n.Properties[i].String()
	}
	return fmt.Sprintf("%s %s", n.Name, strings.Join(properties, " "))
}

const (
	symbolItem     = "├── "
	symbolLastItem = "└── "
	symbolIndent   = "│   "
	symbolBlank    = "    "
)

// Printer writes a [Node] and its descendants as a text tree.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new [Printer] instance that writes to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes the tree structure rooted at node to the printer's writer.
func (p *Printer) Print(node *Node) {
	fmt.Fprintln(p.w, node.header())
	p.printChildren(node.Children, "")
}

func (p *Printer) printChildren(children []*Node, prefix string) {
	for i, child := range children {
		symbol, indent := symbolItem, symbolIndent
		if i == len(children)-1 {
			symbol, indent = symbolLastItem, symbolBlank
		}

		fmt.Fprint(p.w, prefix, symbol)
		fmt.Fprintln(p.w, child.header())
		p.printChildren(child.Children, prefix+indent)
	}
}
