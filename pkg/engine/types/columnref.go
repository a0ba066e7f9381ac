package types

// ColumnRef references a column in a table by name.
type ColumnRef struct {
	Column string
}

// NewColumnRef returns a reference to the named column.
func NewColumnRef(name string) ColumnRef {
	return ColumnRef{Column: name}
}

// String returns the string representation of the column reference.
func (c ColumnRef) String() string {
	return c.Column
}
