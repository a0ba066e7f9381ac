// Package types holds the value types shared by the planner and the executor:
// column data types, typed literals, column references, and the operator and
// aggregation enums.
package types

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// DataType represents the type of a column or literal value.
type DataType uint8

const (
	Invalid DataType = iota // zero-value is an invalid type

	Null      // NULL value, only valid for literals
	Bool      // Boolean value
	Int64     // Signed 64bit integer value
	Float64   // 64bit floating point value
	Timestamp // Nanosecond UTC timestamp
	String    // UTF-8 string value
)

// String returns the string representation of the DataType.
func (t DataType) String() string {
	switch t {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Timestamp:
		return "timestamp"
	case String:
		return "string"
	default:
		return fmt.Sprintf("invalid(%d)", t)
	}
}

// Comparable reports whether values of the type have a total order. All
// concrete types are comparable; Null and Invalid are not.
func (t DataType) Comparable() bool {
	switch t {
	case Bool, Int64, Float64, Timestamp, String:
		return true
	default:
		return false
	}
}

// Arrow groups the arrow representations of each DataType.
var Arrow = struct {
	Null      arrow.DataType
	Bool      arrow.DataType
	Int64     arrow.DataType
	Float64   arrow.DataType
	Timestamp arrow.DataType
	String    arrow.DataType
}{
	Null:      arrow.Null,
	Bool:      arrow.FixedWidthTypes.Boolean,
	Int64:     arrow.PrimitiveTypes.Int64,
	Float64:   arrow.PrimitiveTypes.Float64,
	Timestamp: arrow.FixedWidthTypes.Timestamp_ns,
	String:    arrow.BinaryTypes.String,
}

// ArrowType returns the arrow representation of t.
func ArrowType(t DataType) arrow.DataType {
	switch t {
	case Null:
		return Arrow.Null
	case Bool:
		return Arrow.Bool
	case Int64:
		return Arrow.Int64
	case Float64:
		return Arrow.Float64
	case Timestamp:
		return Arrow.Timestamp
	case String:
		return Arrow.String
	default:
		panic(fmt.Sprintf("no arrow representation for %s", t))
	}
}

// FromArrow returns the DataType for the given arrow type. It returns false
// for arrow types the engine does not process.
func FromArrow(t arrow.DataType) (DataType, bool) {
	switch t.ID() {
	case arrow.NULL:
		return Null, true
	case arrow.BOOL:
		return Bool, true
	case arrow.INT64:
		return Int64, true
	case arrow.FLOAT64:
		return Float64, true
	case arrow.TIMESTAMP:
		return Timestamp, true
	case arrow.STRING:
		return String, true
	default:
		return Invalid, false
	}
}
