package logical

import (
	"time"

	"github.com/keelproject/keel/pkg/engine/types"
)

// LiteralType is the set of Go types accepted by [NewLiteral].
type LiteralType interface {
	bool | int64 | float64 | string | time.Time
}

// A Literal is a typed constant value. Literal only implements [Value] and
// is printed inline rather than as a numbered instruction.
type Literal struct {
	lit types.Literal
}

var (
	_ Value = (*Literal)(nil)
)

// NewLiteral wraps a Go value into a Literal.
func NewLiteral[T LiteralType](v T) *Literal {
	return &Literal{lit: types.MustLiteral(v)}
}

// NewLiteralFrom wraps an already constructed [types.Literal].
func NewLiteralFrom(lit types.Literal) *Literal {
	return &Literal{lit: lit}
}

// Name returns the identifier of the Literal, which is its printed value.
func (l *Literal) Name() string {
	return l.lit.String()
}

// String returns [Literal.Name].
func (l *Literal) String() string {
	return l.lit.String()
}

// Value returns the wrapped [types.Literal].
func (l *Literal) Value() types.Literal {
	return l.lit
}

// Type returns the data type of the literal.
func (l *Literal) Type() types.DataType {
	return l.lit.Type()
}

func (l *Literal) isValue() {}
