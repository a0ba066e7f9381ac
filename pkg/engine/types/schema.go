package types

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
)

// MetadataKeyIndex is the arrow schema metadata key that carries the name of
// the index column across record batches.
const MetadataKeyIndex = "keel.index"

// Column is a named, typed column of a table.
type Column struct {
	Name string
	Type DataType
}

// Schema describes the columns of a table and which of them, if any, serves
// as the index.
type Schema struct {
	Columns []Column

	// Index is the name of the index column. Empty means the table has no
	// index and rows are only ordered by position.
	Index string
}

// NewSchema returns a schema over the given columns. If index is non-empty
// it must name one of the columns.
func NewSchema(columns []Column, index string) (Schema, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		if col.Name == "" {
			return Schema{}, fmt.Errorf("column with empty name")
		}
		if _, ok := seen[col.Name]; ok {
			return Schema{}, fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	if index != "" {
		if _, ok := seen[index]; !ok {
			return Schema{}, fmt.Errorf("index column %q not in schema", index)
		}
	}
	return Schema{Columns: columns, Index: index}, nil
}

// Column returns the column with the given name.
func (s Schema) Column(name string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the names of all columns in schema order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// IndexColumn returns the index column. It returns false if the schema has
// no index.
func (s Schema) IndexColumn() (Column, bool) {
	if s.Index == "" {
		return Column{}, false
	}
	return s.Column(s.Index)
}

// Project returns a schema reduced to the named columns, in the given order.
// The index is retained only if it is part of the projection.
func (s Schema) Project(names ...string) (Schema, error) {
	columns := make([]Column, 0, len(names))
	for _, name := range names {
		col, ok := s.Column(name)
		if !ok {
			return Schema{}, fmt.Errorf("unknown column %q", name)
		}
		columns = append(columns, col)
	}
	index := s.Index
	if !slices.Contains(names, index) {
		index = ""
	}
	return Schema{Columns: columns, Index: index}, nil
}

// WithIndex returns a copy of the schema with the index set to the named
// column.
func (s Schema) WithIndex(name string) (Schema, error) {
	if _, ok := s.Column(name); !ok {
		return Schema{}, fmt.Errorf("index column %q not in schema", name)
	}
	return Schema{Columns: slices.Clone(s.Columns), Index: name}, nil
}

// Equal reports whether two schemas have the same columns in the same order
// and the same index.
func (s Schema) Equal(other Schema) bool {
	return s.Index == other.Index && slices.Equal(s.Columns, other.Columns)
}

// String returns a compact representation of the schema, marking the index
// column with an asterisk.
func (s Schema) String() string {
	out := "("
	for i, col := range s.Columns {
		if i > 0 {
			out += ", "
		}
		out += col.Name
		if col.Name == s.Index && s.Index != "" {
			out += "*"
		}
		out += " " + col.Type.String()
	}
	return out + ")"
}

// ToArrow converts the schema into an arrow schema. The index column name is
// preserved in the schema metadata.
func (s Schema) ToArrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Columns))
	for i, col := range s.Columns {
		fields[i] = arrow.Field{
			Name:     col.Name,
			Type:     ArrowType(col.Type),
			Nullable: true,
		}
	}
	var md arrow.Metadata
	if s.Index != "" {
		md = arrow.NewMetadata([]string{MetadataKeyIndex}, []string{s.Index})
	}
	return arrow.NewSchema(fields, &md)
}

// SchemaFromArrow converts an arrow schema back into a Schema. It fails on
// arrow types the engine does not process.
func SchemaFromArrow(as *arrow.Schema) (Schema, error) {
	columns := make([]Column, 0, as.NumFields())
	for _, field := range as.Fields() {
		ty, ok := FromArrow(field.Type)
		if !ok {
			return Schema{}, fmt.Errorf("column %q has unsupported arrow type %s", field.Name, field.Type)
		}
		columns = append(columns, Column{Name: field.Name, Type: ty})
	}
	var index string
	if idx := as.Metadata().FindKey(MetadataKeyIndex); idx >= 0 {
		index = as.Metadata().Values()[idx]
	}
	return NewSchema(columns, index)
}
