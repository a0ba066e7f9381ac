package physical

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/csvio"
)

// NodeType represents the type of a node in the physical plan.
type NodeType uint32

const (
	_ NodeType = iota // zero-value is an invalid type

	NodeTypeScanCSV
	NodeTypeScanStore
	NodeTypeFilter
	NodeTypeProjection
	NodeTypeShuffle
	NodeTypeSplit
	NodeTypeBucket
	NodeTypeMerge
	NodeTypeHashAggregate
	NodeTypeTimeAggregate
	NodeTypeLimit
)

// String returns the string representation of the [NodeType].
func (t NodeType) String() string {
	switch t {
	case NodeTypeScanCSV:
		return "ScanCSV"
	case NodeTypeScanStore:
		return "ScanStore"
	case NodeTypeFilter:
		return "Filter"
	case NodeTypeProjection:
		return "Projection"
	case NodeTypeShuffle:
		return "Shuffle"
	case NodeTypeSplit:
		return "Split"
	case NodeTypeBucket:
		return "Bucket"
	case NodeTypeMerge:
		return "Merge"
	case NodeTypeHashAggregate:
		return "HashAggregate"
	case NodeTypeTimeAggregate:
		return "TimeAggregate"
	case NodeTypeLimit:
		return "Limit"
	default:
		panic(fmt.Sprintf("unknown node type %d", t))
	}
}

// Node is the common interface of all nodes in a physical plan. Nodes are
// identified by a hash of their type, their attributes, and the identities
// of their children, so structurally identical sub-plans resolve to the same
// node and identical queries produce identical plans.
type Node interface {
	// ID returns the identifier of the node.
	ID() string
	// Type returns the type of the node.
	Type() NodeType

	// setID assigns the identifier. It is called exactly once, when the node
	// is added to a plan.
	setID(id string)
	// writeAttrs writes the identity-relevant attributes of the node to the
	// hash its ID is derived from.
	writeAttrs(w io.Writer)
	isNode()
}

// newNodeID derives the identifier of a node from its type, its attributes,
// and the IDs of its children. The children must already carry their final
// IDs.
func newNodeID(n Node, children ...Node) string {
	h := xxhash.New()
	_, _ = io.WriteString(h, n.Type().String())
	n.writeAttrs(h)
	for _, child := range children {
		_, _ = io.WriteString(h, "\x00")
		_, _ = io.WriteString(h, child.ID())
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func writeAttr(w io.Writer, parts ...string) {
	for _, part := range parts {
		_, _ = io.WriteString(w, "\x1e")
		_, _ = io.WriteString(w, part)
	}
}

func writeBounds(w io.Writer, bounds types.Bounds) {
	if !bounds.Known() {
		writeAttr(w, "unbounded")
		return
	}
	writeAttr(w, bounds.Min.String(), bounds.Max.String())
}

// ScanCSV reads a single CSV object from the bucket and parses it into
// records. One scan node is created per partition of the source table.
type ScanCSV struct {
	id string

	// Location is the path of the object in the bucket.
	Location string
	// Partition is the ordinal of the object within the source table.
	Partition int
	// Schema describes all columns of the table, including their parse
	// types.
	Schema types.Schema
	// Options carries the parse options of the source table.
	Options csvio.Options
	// Bounds of the index column within this partition, when known.
	Bounds types.Bounds
	// Projections is the subset of columns the scan emits. An empty slice
	// emits all columns.
	Projections []ColumnExpression
	// Predicates are filters applied to rows during the scan.
	Predicates []Expression
	// Limit is the maximum number of rows the scan emits. 0 means unlimited.
	Limit uint32
}

func (n *ScanCSV) isNode()         {}
func (n *ScanCSV) ID() string      { return n.id }
func (n *ScanCSV) setID(id string) { n.id = id }
func (n *ScanCSV) Type() NodeType  { return NodeTypeScanCSV }

func (n *ScanCSV) writeAttrs(w io.Writer) {
	writeAttr(w, n.Location, strconv.Itoa(n.Partition))
	writeBounds(w, n.Bounds)
}

// ScanStore reads a single partition of a persisted table from the store.
type ScanStore struct {
	id string

	// Handle is the identifier of the table in the store.
	Handle string
	// Partition is the ordinal of the partition within the stored table.
	Partition int
	// Schema describes all columns of the stored table.
	Schema types.Schema
	// Bounds of the index column within this partition, when known.
	Bounds types.Bounds
	// Projections is the subset of columns the scan emits. An empty slice
	// emits all columns.
	Projections []ColumnExpression
	// Predicates are filters applied to rows during the scan.
	Predicates []Expression
	// Limit is the maximum number of rows the scan emits. 0 means unlimited.
	Limit uint32
}

func (n *ScanStore) isNode()         {}
func (n *ScanStore) ID() string      { return n.id }
func (n *ScanStore) setID(id string) { n.id = id }
func (n *ScanStore) Type() NodeType  { return NodeTypeScanStore }

func (n *ScanStore) writeAttrs(w io.Writer) {
	writeAttr(w, n.Handle, strconv.Itoa(n.Partition))
	writeBounds(w, n.Bounds)
}

// Filter drops rows that do not match all of its predicate expressions.
type Filter struct {
	id string

	// Predicates are the filter expressions. A row is kept if every
	// predicate evaluates to true.
	Predicates []Expression
}

func (n *Filter) isNode()         {}
func (n *Filter) ID() string      { return n.id }
func (n *Filter) setID(id string) { n.id = id }
func (n *Filter) Type() NodeType  { return NodeTypeFilter }

func (n *Filter) writeAttrs(w io.Writer) {
	for _, p := range n.Predicates {
		writeAttr(w, p.String())
	}
}

// Projection narrows records to a subset of columns, in the given order.
type Projection struct {
	id string

	// Columns are the columns the projection emits.
	Columns []ColumnExpression
}

func (n *Projection) isNode()         {}
func (n *Projection) ID() string      { return n.id }
func (n *Projection) setID(id string) { n.id = id }
func (n *Projection) Type() NodeType  { return NodeTypeProjection }

func (n *Projection) writeAttrs(w io.Writer) {
	for _, c := range n.Columns {
		writeAttr(w, c.String())
	}
}

// Shuffle range-partitions its input rows by the values of a key column into
// Partitions buckets and sorts each bucket by the key. Bucket boundaries
// either come from explicit divisions or are derived from samples of the key
// column at execution time. Downstream [Bucket] nodes select single buckets.
type Shuffle struct {
	id string

	// Column is the key column rows are partitioned and sorted by.
	Column ColumnExpression
	// Partitions is the number of output buckets.
	Partitions int
	// Divisions are explicit bucket boundaries. When empty, boundaries are
	// derived by sampling the key column.
	Divisions types.Divisions
	// Samples is the number of values sampled per input partition when
	// boundaries are derived at execution time.
	Samples int
}

func (n *Shuffle) isNode()         {}
func (n *Shuffle) ID() string      { return n.id }
func (n *Shuffle) setID(id string) { n.id = id }
func (n *Shuffle) Type() NodeType  { return NodeTypeShuffle }

func (n *Shuffle) writeAttrs(w io.Writer) {
	writeAttr(w, n.Column.String(), strconv.Itoa(n.Partitions), strconv.Itoa(n.Samples))
	for _, d := range n.Divisions {
		writeAttr(w, d.String())
	}
}

// Split divides its input into Partitions chunks of near-equal row count,
// preserving row order. Downstream [Bucket] nodes select single chunks.
type Split struct {
	id string

	// Partitions is the number of output chunks.
	Partitions int
}

func (n *Split) isNode()         {}
func (n *Split) ID() string      { return n.id }
func (n *Split) setID(id string) { n.id = id }
func (n *Split) Type() NodeType  { return NodeTypeSplit }

func (n *Split) writeAttrs(w io.Writer) {
	writeAttr(w, strconv.Itoa(n.Partitions))
}

// Bucket emits a single output partition of its child, which must be a
// [Shuffle] or [Split] node. The child is executed once and shared between
// all of its buckets.
type Bucket struct {
	id string

	// Partition is the ordinal of the bucket to emit.
	Partition int
	// Bounds of the key column within this bucket. Known only for shuffles
	// with explicit divisions.
	Bounds types.Bounds
}

func (n *Bucket) isNode()         {}
func (n *Bucket) ID() string      { return n.id }
func (n *Bucket) setID(id string) { n.id = id }
func (n *Bucket) Type() NodeType  { return NodeTypeBucket }

func (n *Bucket) writeAttrs(w io.Writer) {
	writeAttr(w, strconv.Itoa(n.Partition))
	writeBounds(w, n.Bounds)
}

// Merge concatenates the rows of its children in child order. Children are
// the per-partition sub-plans of a table, ordered by partition, so a merge
// over range-partitioned children yields rows sorted by the index column.
type Merge struct {
	id string

	// Combine marks the plan's final merge, which reads one input per output
	// partition. Merges that coalesce several source partitions into a
	// single output partition leave it unset.
	Combine bool
}

func (n *Merge) isNode()         {}
func (n *Merge) ID() string      { return n.id }
func (n *Merge) setID(id string) { n.id = id }
func (n *Merge) Type() NodeType  { return NodeTypeMerge }

func (n *Merge) writeAttrs(w io.Writer) {
	if n.Combine {
		writeAttr(w, "combine")
	}
}

// HashAggregate groups rows by the values of the key columns and reduces
// each value column of a group to a single row with the given aggregation.
type HashAggregate struct {
	id string

	// Keys are the group-by key columns.
	Keys []ColumnExpression
	// Operation is the aggregation applied to the value columns.
	Operation types.AggregationType
	// Columns are the value columns to aggregate. An empty slice aggregates
	// all numeric non-key columns.
	Columns []ColumnExpression
}

func (n *HashAggregate) isNode()         {}
func (n *HashAggregate) ID() string      { return n.id }
func (n *HashAggregate) setID(id string) { n.id = id }
func (n *HashAggregate) Type() NodeType  { return NodeTypeHashAggregate }

func (n *HashAggregate) writeAttrs(w io.Writer) {
	writeAttr(w, n.Operation.String())
	for _, k := range n.Keys {
		writeAttr(w, k.String())
	}
	for _, c := range n.Columns {
		writeAttr(w, c.String())
	}
}

// TimeAggregate groups rows into fixed time buckets of the timestamp column
// and reduces each value column of a bucket to a single row with the given
// aggregation. Bucket boundaries are aligned to multiples of the step in
// UTC.
type TimeAggregate struct {
	id string

	// Column is the timestamp column rows are bucketed by.
	Column ColumnExpression
	// Step is the width of a time bucket.
	Step time.Duration
	// Operation is the aggregation applied to the value columns.
	Operation types.AggregationType
	// Columns are the value columns to aggregate. An empty slice aggregates
	// all numeric non-timestamp columns.
	Columns []ColumnExpression
}

func (n *TimeAggregate) isNode()         {}
func (n *TimeAggregate) ID() string      { return n.id }
func (n *TimeAggregate) setID(id string) { n.id = id }
func (n *TimeAggregate) Type() NodeType  { return NodeTypeTimeAggregate }

func (n *TimeAggregate) writeAttrs(w io.Writer) {
	writeAttr(w, n.Column.String(), n.Step.String(), n.Operation.String())
	for _, c := range n.Columns {
		writeAttr(w, c.String())
	}
}

// Limit skips the first Skip rows of its input and emits at most Fetch rows
// after that.
type Limit struct {
	id string

	// Skip is the number of rows to skip.
	Skip uint32
	// Fetch is the maximum number of rows to emit. 0 means unlimited.
	Fetch uint32
}

func (n *Limit) isNode()         {}
func (n *Limit) ID() string      { return n.id }
func (n *Limit) setID(id string) { n.id = id }
func (n *Limit) Type() NodeType  { return NodeTypeLimit }

func (n *Limit) writeAttrs(w io.Writer) {
	writeAttr(w, strconv.FormatUint(uint64(n.Skip), 10), strconv.FormatUint(uint64(n.Fetch), 10))
}
