package types

import "fmt"

// UnaryOp denotes a unary operation in an expression.
type UnaryOp uint8

const (
	UnaryOpInvalid UnaryOp = iota

	UnaryOpNot
)

// String returns the string representation of the unary operator.
func (t UnaryOp) String() string {
	switch t {
	case UnaryOpNot:
		return "NOT"
	default:
		return fmt.Sprintf("invalid(%d)", t)
	}
}

// BinaryOp denotes a binary operation in an expression.
type BinaryOp uint8

const (
	BinaryOpInvalid BinaryOp = iota

	BinaryOpEq
	BinaryOpNeq
	BinaryOpGt
	BinaryOpGte
	BinaryOpLt
	BinaryOpLte
	BinaryOpAnd
	BinaryOpOr
)

// String returns the string representation of the binary operator.
func (t BinaryOp) String() string {
	switch t {
	case BinaryOpEq:
		return "EQ"
	case BinaryOpNeq:
		return "NEQ"
	case BinaryOpGt:
		return "GT"
	case BinaryOpGte:
		return "GTE"
	case BinaryOpLt:
		return "LT"
	case BinaryOpLte:
		return "LTE"
	case BinaryOpAnd:
		return "AND"
	case BinaryOpOr:
		return "OR"
	default:
		return fmt.Sprintf("invalid(%d)", t)
	}
}

// Comparison reports whether the operator compares two values, as opposed to
// combining two boolean operands.
func (t BinaryOp) Comparison() bool {
	switch t {
	case BinaryOpEq, BinaryOpNeq, BinaryOpGt, BinaryOpGte, BinaryOpLt, BinaryOpLte:
		return true
	default:
		return false
	}
}

// AggregationType denotes the type of an aggregation operation.
type AggregationType uint8

const (
	AggregationTypeInvalid AggregationType = iota

	AggregationTypeSum
	AggregationTypeMean
	AggregationTypeMin
	AggregationTypeMax
	AggregationTypeCount
)

// String returns the string representation of the aggregation type.
func (t AggregationType) String() string {
	switch t {
	case AggregationTypeSum:
		return "sum"
	case AggregationTypeMean:
		return "mean"
	case AggregationTypeMin:
		return "min"
	case AggregationTypeMax:
		return "max"
	case AggregationTypeCount:
		return "count"
	default:
		return fmt.Sprintf("invalid(%d)", t)
	}
}
