package logical

import (
	"github.com/keelproject/keel/pkg/engine/types"
)

// A ColumnRef references a column within a table relation by name. ColumnRef
// only implements [Value] and is printed inline rather than as a numbered
// instruction.
type ColumnRef struct {
	ref types.ColumnRef
}

var (
	_ Value = (*ColumnRef)(nil)
)

// NewColumnRef returns a reference to the named column.
func NewColumnRef(name string) *ColumnRef {
	return &ColumnRef{
		ref: types.NewColumnRef(name),
	}
}

// Name returns the identifier of the ColumnRef, which is the name of the
// column being referenced.
func (c *ColumnRef) Name() string {
	return c.ref.String()
}

// String returns [ColumnRef.Name].
func (c *ColumnRef) String() string {
	return c.ref.String()
}

// Ref returns the wrapped [types.ColumnRef].
func (c *ColumnRef) Ref() types.ColumnRef {
	return c.ref
}

func (c *ColumnRef) isValue() {}
