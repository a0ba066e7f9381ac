package executor

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/keelproject/keel/pkg/engine/types"
)

// literalAt returns the value of an array row as a literal. The second
// return is false for null rows.
func literalAt(arr arrow.Array, i int) (types.Literal, bool) {
	if arr.IsNull(i) {
		return types.NullLiteral(), false
	}

	switch arr := arr.(type) {
	case *array.Boolean:
		return types.BoolLiteral(arr.Value(i)), true
	case *array.Int64:
		return types.Int64Literal(arr.Value(i)), true
	case *array.Float64:
		return types.Float64Literal(arr.Value(i)), true
	case *array.Timestamp:
		return types.TimestampLiteral(arr.Value(i).ToTime(arrow.Nanosecond)), true
	case *array.String:
		return types.StringLiteral(arr.Value(i)), true
	}
	return types.NullLiteral(), false
}

// appendRow copies row i of a record into a record builder. The builder's
// schema must match the record's column layout.
func appendRow(builder *array.RecordBuilder, rec arrow.Record, i int) error {
	for c := range int(rec.NumCols()) {
		col := rec.Column(c)
		field := builder.Field(c)
		if col.IsNull(i) {
			field.AppendNull()
			continue
		}

		switch col := col.(type) {
		case *array.Boolean:
			field.(*array.BooleanBuilder).Append(col.Value(i))
		case *array.Int64:
			field.(*array.Int64Builder).Append(col.Value(i))
		case *array.Float64:
			field.(*array.Float64Builder).Append(col.Value(i))
		case *array.Timestamp:
			field.(*array.TimestampBuilder).Append(col.Value(i))
		case *array.String:
			field.(*array.StringBuilder).Append(col.Value(i))
		default:
			return fmt.Errorf("unsupported column type %s", col.DataType())
		}
	}
	return nil
}

// appendLiteral appends a value to a column builder of matching type.
func appendLiteral(b array.Builder, v types.Literal) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.BooleanBuilder:
		b.Append(v.Bool())
	case *array.Int64Builder:
		b.Append(v.Int64())
	case *array.Float64Builder:
		b.Append(v.Float64())
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.Time().UnixNano()))
	case *array.StringBuilder:
		b.Append(v.Str())
	default:
		return fmt.Errorf("unsupported builder type %T", b)
	}
	return nil
}

// filterRecord builds a new record containing the rows of rec for which
// include returns true. The result is owned by the caller.
func filterRecord(builder *array.RecordBuilder, rec arrow.Record, include func(int) bool) (arrow.Record, error) {
	for i := range int(rec.NumRows()) {
		if !include(i) {
			continue
		}
		if err := appendRow(builder, rec, i); err != nil {
			return nil, err
		}
	}
	return builder.NewRecord(), nil
}

// projectRecord returns a record narrowed to the named columns, in the given
// order. Columns are shared with the input, not copied; the result is owned
// by the caller and the input stays owned by its owner. Index metadata is
// kept only when the index column survives the projection.
func projectRecord(rec arrow.Record, columns []string) (arrow.Record, error) {
	schema, err := types.SchemaFromArrow(rec.Schema())
	if err != nil {
		return nil, err
	}
	projected, err := schema.Project(columns...)
	if err != nil {
		return nil, err
	}

	cols := make([]arrow.Array, 0, len(columns))
	for _, name := range columns {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("column %s not found in record", name)
		}
		col := rec.Column(idx[0])
		col.Retain()
		cols = append(cols, col)
	}
	return array.NewRecord(projected.ToArrow(), cols, rec.NumRows()), nil
}

// ColumnBounds returns the (min, max) values of a column across records.
// Null values are ignored; unknown bounds are returned when the records hold
// no non-null value.
func ColumnBounds(recs []arrow.Record, column string) (types.Bounds, error) {
	var bounds types.Bounds
	for _, rec := range recs {
		idx := rec.Schema().FieldIndices(column)
		if len(idx) == 0 {
			return types.Bounds{}, fmt.Errorf("column %s not found in record", column)
		}
		col := rec.Column(idx[0])
		for i := range int(rec.NumRows()) {
			lit, ok := literalAt(col, i)
			if !ok {
				continue
			}
			bounds = bounds.Extend(lit)
		}
	}
	return bounds, nil
}
