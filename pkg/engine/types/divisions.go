package types

import (
	"fmt"
	"sort"
	"strings"
)

// Bounds is the closed interval [Min, Max] of index values observed in a
// partition. The zero value means the bounds are unknown.
type Bounds struct {
	Min, Max Literal
}

// NewBounds returns known bounds over [min, max].
func NewBounds(min, max Literal) Bounds {
	return Bounds{Min: min, Max: max}
}

// Known reports whether the bounds carry values.
func (b Bounds) Known() bool {
	return b.Min.Type() != Invalid && b.Max.Type() != Invalid
}

// Contains reports whether key falls inside the bounds. Unknown bounds
// contain every key, since nothing can be ruled out.
func (b Bounds) Contains(key Literal) bool {
	if !b.Known() {
		return true
	}
	return b.Min.Compare(key) <= 0 && b.Max.Compare(key) >= 0
}

// Extend widens the bounds to include key.
func (b Bounds) Extend(key Literal) Bounds {
	if !b.Known() {
		return Bounds{Min: key, Max: key}
	}
	if key.Compare(b.Min) < 0 {
		b.Min = key
	}
	if key.Compare(b.Max) > 0 {
		b.Max = key
	}
	return b
}

// Union widens the bounds to cover other.
func (b Bounds) Union(other Bounds) Bounds {
	if !other.Known() {
		return b
	}
	return b.Extend(other.Min).Extend(other.Max)
}

// String returns the bounds in interval notation.
func (b Bounds) String() string {
	if !b.Known() {
		return "[?, ?]"
	}
	return fmt.Sprintf("[%s, %s]", b.Min, b.Max)
}

// Divisions are the boundary values delimiting the partitions of a table
// sorted by its index. A table with n partitions has n+1 divisions:
// divisions[0] is the minimum key of the first partition and divisions[i]
// for i >= 1 is the maximum key of partition i-1.
//
// Partition 0 owns the keys in [divisions[0], divisions[1]] and partition
// i > 0 owns the keys in (divisions[i], divisions[i+1]]. A key equal to an
// interior boundary therefore belongs to the lower-indexed of the two
// adjacent partitions.
//
// A nil Divisions means the boundaries are unknown.
type Divisions []Literal

// NewDivisions validates the boundary values and returns them as Divisions.
// There must be at least two boundaries, all of the same comparable type,
// in non-decreasing order.
func NewDivisions(boundaries []Literal) (Divisions, error) {
	if len(boundaries) < 2 {
		return nil, fmt.Errorf("divisions need at least 2 boundaries, got %d", len(boundaries))
	}
	ty := boundaries[0].Type()
	if !ty.Comparable() {
		return nil, fmt.Errorf("division boundaries of non-comparable type %s", ty)
	}
	for i, b := range boundaries {
		if b.Type() != ty {
			return nil, fmt.Errorf("division boundary %d has type %s, want %s", i, b.Type(), ty)
		}
		if i > 0 && boundaries[i-1].Compare(b) > 0 {
			return nil, fmt.Errorf("division boundaries must be non-decreasing, boundary %d (%s) < boundary %d (%s)",
				i, b, i-1, boundaries[i-1])
		}
	}
	return Divisions(boundaries), nil
}

// DivisionsFromBounds derives divisions from the realized per-partition
// bounds of a sorted table. Empty partitions carry the previous boundary
// forward; lookups skip them because their boundary interval is degenerate.
// The first partition must have known bounds, since a key equal to a
// duplicated leading boundary could not be located.
func DivisionsFromBounds(bounds []Bounds) (Divisions, error) {
	if len(bounds) == 0 {
		return nil, fmt.Errorf("no partition bounds")
	}
	if !bounds[0].Known() {
		return nil, fmt.Errorf("first partition has no bounds")
	}

	boundaries := make([]Literal, 0, len(bounds)+1)
	boundaries = append(boundaries, bounds[0].Min)
	prev := bounds[0].Min
	for i, b := range bounds {
		if !b.Known() {
			boundaries = append(boundaries, prev)
			continue
		}
		if prev.Compare(b.Min) > 0 {
			return nil, fmt.Errorf("partition %d bounds %s overlap previous boundary %s", i, b, prev)
		}
		boundaries = append(boundaries, b.Max)
		prev = b.Max
	}
	return NewDivisions(boundaries)
}

// Known reports whether the divisions are known.
func (d Divisions) Known() bool {
	return len(d) >= 2
}

// NumPartitions returns the number of partitions the divisions delimit.
func (d Divisions) NumPartitions() int {
	if len(d) == 0 {
		return 0
	}
	return len(d) - 1
}

// Type returns the data type of the boundary values.
func (d Divisions) Type() DataType {
	if len(d) == 0 {
		return Invalid
	}
	return d[0].Type()
}

// Min returns the lowest boundary.
func (d Divisions) Min() Literal { return d[0] }

// Max returns the highest boundary.
func (d Divisions) Max() Literal { return d[len(d)-1] }

// Locate returns the index of the partition that owns the given key. It
// returns false if the key falls outside [Min, Max].
func (d Divisions) Locate(key Literal) (int, bool) {
	if !d.Known() || key.Type() != d.Type() {
		return 0, false
	}
	if key.Compare(d.Min()) < 0 || key.Compare(d.Max()) > 0 {
		return 0, false
	}
	// First partition whose upper boundary is >= key. Ties at a boundary
	// resolve to the lower-indexed partition.
	i := sort.Search(d.NumPartitions(), func(i int) bool {
		return d[i+1].Compare(key) >= 0
	})
	return i, true
}

// PartitionBounds returns the boundary interval of partition i. The interval
// is closed on both ends for partition 0 and open at the lower end for all
// others.
func (d Divisions) PartitionBounds(i int) Bounds {
	return Bounds{Min: d[i], Max: d[i+1]}
}

// String returns the divisions as a comma-separated list.
func (d Divisions) String() string {
	if !d.Known() {
		return "unknown"
	}
	parts := make([]string, len(d))
	for i, b := range d {
		parts[i] = b.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
