package types

import (
	"cmp"
	"fmt"
	"strconv"
	"time"
)

// Literal is a typed constant value. The zero value is the invalid literal.
//
// Literals show up in two places: as operands of filter expressions, and as
// division boundaries of range-partitioned tables. Both uses rely on Compare
// for ordering.
type Literal struct {
	ty DataType

	// Only the field matching ty holds a value. Int64 and Timestamp share
	// the int field, timestamps as nanoseconds since the Unix epoch in UTC.
	b   bool
	i   int64
	f   float64
	str string
}

// NullLiteral returns the literal NULL value.
func NullLiteral() Literal {
	return Literal{ty: Null}
}

// BoolLiteral returns a literal of type [Bool].
func BoolLiteral(v bool) Literal {
	return Literal{ty: Bool, b: v}
}

// Int64Literal returns a literal of type [Int64].
func Int64Literal(v int64) Literal {
	return Literal{ty: Int64, i: v}
}

// Float64Literal returns a literal of type [Float64].
func Float64Literal(v float64) Literal {
	return Literal{ty: Float64, f: v}
}

// TimestampLiteral returns a literal of type [Timestamp]. The timestamp is
// stored as nanoseconds since the Unix epoch and always reads back in UTC.
func TimestampLiteral(v time.Time) Literal {
	return Literal{ty: Timestamp, i: v.UnixNano()}
}

// StringLiteral returns a literal of type [String].
func StringLiteral(v string) Literal {
	return Literal{ty: String, str: v}
}

// NewLiteral converts a Go value into a Literal. It accepts nil, bool, int,
// int64, float64, string, and [time.Time].
func NewLiteral(v any) (Literal, error) {
	switch v := v.(type) {
	case nil:
		return NullLiteral(), nil
	case bool:
		return BoolLiteral(v), nil
	case int:
		return Int64Literal(int64(v)), nil
	case int64:
		return Int64Literal(v), nil
	case float64:
		return Float64Literal(v), nil
	case string:
		return StringLiteral(v), nil
	case time.Time:
		return TimestampLiteral(v), nil
	case Literal:
		return v, nil
	default:
		return Literal{}, fmt.Errorf("unsupported literal value of type %T", v)
	}
}

// MustLiteral is like [NewLiteral] but panics on unsupported values.
func MustLiteral(v any) Literal {
	lit, err := NewLiteral(v)
	if err != nil {
		panic(err)
	}
	return lit
}

// Type returns the data type of the literal.
func (l Literal) Type() DataType {
	return l.ty
}

// IsNull reports whether the literal is the NULL value.
func (l Literal) IsNull() bool {
	return l.ty == Null
}

// Bool returns the value of a [Bool] literal.
func (l Literal) Bool() bool { return l.b }

// Int64 returns the value of an [Int64] literal.
func (l Literal) Int64() int64 { return l.i }

// Float64 returns the value of a [Float64] literal.
func (l Literal) Float64() float64 { return l.f }

// Time returns the value of a [Timestamp] literal.
func (l Literal) Time() time.Time { return time.Unix(0, l.i).UTC() }

// Str returns the value of a [String] literal.
// Not called String to not collide with [fmt.Stringer].
func (l Literal) Str() string { return l.str }

// Any returns the literal value as a Go value.
func (l Literal) Any() any {
	switch l.ty {
	case Null:
		return nil
	case Bool:
		return l.b
	case Int64:
		return l.i
	case Float64:
		return l.f
	case Timestamp:
		return l.Time()
	case String:
		return l.str
	default:
		return nil
	}
}

// String returns the literal in its printed form, with strings quoted and
// timestamps in RFC3339.
func (l Literal) String() string {
	switch l.ty {
	case Null:
		return "NULL"
	case Bool:
		return strconv.FormatBool(l.b)
	case Int64:
		return strconv.FormatInt(l.i, 10)
	case Float64:
		return strconv.FormatFloat(l.f, 'g', -1, 64)
	case Timestamp:
		return l.Time().Format(time.RFC3339Nano)
	case String:
		return strconv.Quote(l.str)
	default:
		return "invalid"
	}
}

// Compare returns -1, 0, or +1 depending on whether l is less than, equal
// to, or greater than other. Both literals must have the same comparable
// type; mixing types is a bug in the caller and panics.
func (l Literal) Compare(other Literal) int {
	if l.ty != other.ty {
		panic(fmt.Sprintf("comparing literals of different types %s and %s", l.ty, other.ty))
	}
	switch l.ty {
	case Bool:
		switch {
		case !l.b && other.b:
			return -1
		case l.b && !other.b:
			return 1
		}
		return 0
	case Int64, Timestamp:
		return cmp.Compare(l.i, other.i)
	case Float64:
		return cmp.Compare(l.f, other.f)
	case String:
		return cmp.Compare(l.str, other.str)
	default:
		panic(fmt.Sprintf("comparing literals of non-comparable type %s", l.ty))
	}
}
