// Package catalog resolves table references into partition descriptors. CSV
// tables are resolved by listing object storage; persisted tables are
// resolved against the in-memory store they were materialized into.
package catalog

import (
	"fmt"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/csvio"
)

// Format tells which reader a table's partitions require.
type Format uint8

const (
	FormatInvalid Format = iota

	// FormatCSV partitions are CSV objects in a bucket.
	FormatCSV

	// FormatStore partitions are materialized record batches in the
	// in-memory store.
	FormatStore
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatStore:
		return "store"
	default:
		return fmt.Sprintf("invalid(%d)", f)
	}
}

// PartitionDesc describes one partition of a table.
type PartitionDesc struct {
	// Location is the object name for CSV partitions or the store handle
	// for materialized partitions.
	Location string

	// Rows is the number of rows, or -1 when unknown before scanning.
	Rows int64

	// SizeBytes is the payload size. For CSV partitions this is the object
	// size, for store partitions the in-memory footprint.
	SizeBytes int64

	// Bounds are the index value bounds of the partition, unknown for
	// tables that were never sorted.
	Bounds types.Bounds
}

// TableDesc describes a resolved table: its schema and one descriptor per
// partition.
type TableDesc struct {
	Name   string
	Format Format
	Schema types.Schema

	// CSV holds the parse options all partitions of a FormatCSV table
	// share.
	CSV csvio.Options

	Partitions []PartitionDesc

	// Divisions are the index boundaries across partitions. Nil until the
	// table has been sorted by its index.
	Divisions types.Divisions
}

// NumPartitions returns the partition count.
func (t *TableDesc) NumPartitions() int {
	return len(t.Partitions)
}

// KnownDivisions reports whether the table's divisions are known.
func (t *TableDesc) KnownDivisions() bool {
	return t.Divisions.Known()
}

// TotalSizeBytes sums the partition payload sizes.
func (t *TableDesc) TotalSizeBytes() int64 {
	var total int64
	for _, p := range t.Partitions {
		total += p.SizeBytes
	}
	return total
}

// StoreResolver resolves handles of tables that were materialized in memory.
// It is implemented by the in-memory store.
type StoreResolver interface {
	// ResolveStore returns the descriptor of a materialized table.
	ResolveStore(handle string) (*TableDesc, bool)
}
