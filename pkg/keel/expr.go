package keel

import (
	"fmt"

	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
)

// Expr is a predicate expression over the columns of a [Frame]. Expressions
// are built from [Col] and [Lit] and combined with comparison and logical
// methods; construction errors are carried along and surface when the
// expression is used.
type Expr struct {
	val logical.Value
	err error
}

// Col references the named column.
func Col(name string) Expr {
	if name == "" {
		return Expr{err: fmt.Errorf("column reference with empty name")}
	}
	return Expr{val: logical.NewColumnRef(name)}
}

// Lit turns a Go value into a literal expression. Supported values are
// booleans, signed integers, floats, strings, and [time.Time].
func Lit(v any) Expr {
	lit, err := types.NewLiteral(v)
	if err != nil {
		return Expr{err: err}
	}
	return Expr{val: logical.NewLiteralFrom(lit)}
}

// Eq compares for equality.
func (e Expr) Eq(other Expr) Expr { return e.binary(types.BinaryOpEq, other) }

// Neq compares for inequality.
func (e Expr) Neq(other Expr) Expr { return e.binary(types.BinaryOpNeq, other) }

// Gt compares with greater-than.
func (e Expr) Gt(other Expr) Expr { return e.binary(types.BinaryOpGt, other) }

// Gte compares with greater-or-equal.
func (e Expr) Gte(other Expr) Expr { return e.binary(types.BinaryOpGte, other) }

// Lt compares with less-than.
func (e Expr) Lt(other Expr) Expr { return e.binary(types.BinaryOpLt, other) }

// Lte compares with less-or-equal.
func (e Expr) Lte(other Expr) Expr { return e.binary(types.BinaryOpLte, other) }

// And combines two predicates conjunctively.
func (e Expr) And(other Expr) Expr { return e.binary(types.BinaryOpAnd, other) }

// Or combines two predicates disjunctively.
func (e Expr) Or(other Expr) Expr { return e.binary(types.BinaryOpOr, other) }

// Not negates a predicate.
func Not(e Expr) Expr {
	if e.err != nil {
		return e
	}
	return Expr{val: &logical.UnaryOp{Value: e.val, Op: types.UnaryOpNot}}
}

func (e Expr) binary(op types.BinaryOp, other Expr) Expr {
	if e.err != nil {
		return e
	}
	if other.err != nil {
		return other
	}
	return Expr{val: &logical.BinOp{Left: e.val, Right: other.val, Op: op}}
}

// columns collects the names of all columns the expression references.
func (e Expr) columns() []string {
	var names []string
	var walk func(v logical.Value)
	walk = func(v logical.Value) {
		switch v := v.(type) {
		case *logical.ColumnRef:
			names = append(names, v.Name())
		case *logical.UnaryOp:
			walk(v.Value)
		case *logical.BinOp:
			walk(v.Left)
			walk(v.Right)
		}
	}
	if e.val != nil {
		walk(e.val)
	}
	return names
}
