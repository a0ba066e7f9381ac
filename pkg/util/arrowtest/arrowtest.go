// Package arrowtest provides helpers for constructing and asserting against
// Arrow records in tests.
package arrowtest

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/keelproject/keel/pkg/engine/types"
)

// Row is a single record row keyed by column name. Values use the Go
// representation of the column type (bool, int64, float64, time.Time in UTC,
// string), with nil denoting null.
type Row map[string]any

// Rows is a set of rows in insertion order.
type Rows []Row

// Record constructs an [arrow.Record] with the given schema from rows. Columns
// missing from a row are null. Record fails the values against the schema
// eagerly by panicking, as tests have no error path worth handling.
func Record(alloc memory.Allocator, schema types.Schema, rows Rows) arrow.Record {
	builder := array.NewRecordBuilder(alloc, schema.ToArrow())
	defer builder.Release()

	for _, row := range rows {
		for i, col := range schema.Columns {
			appendValue(builder.Field(i), col, row[col.Name])
		}
	}
	return builder.NewRecord()
}

func appendValue(field array.Builder, col types.Column, value any) {
	if value == nil {
		field.AppendNull()
		return
	}

	switch b := field.(type) {
	case *array.BooleanBuilder:
		b.Append(value.(bool))
	case *array.Int64Builder:
		b.Append(toInt64(value))
	case *array.Float64Builder:
		b.Append(toFloat64(value))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(value.(time.Time).UnixNano()))
	case *array.StringBuilder:
		b.Append(value.(string))
	default:
		panic(fmt.Sprintf("arrowtest: unsupported builder %T for column %s", field, col.Name))
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	panic(fmt.Sprintf("arrowtest: value %v (%[1]T) is not an integer", value))
}

func toFloat64(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	panic(fmt.Sprintf("arrowtest: value %v (%[1]T) is not a float", value))
}

// RecordRows converts a record into [Rows] for comparison against an expected
// set. Timestamps convert to time.Time in UTC.
func RecordRows(rec arrow.Record) (Rows, error) {
	rows := make(Rows, rec.NumRows())
	for i := range rows {
		rows[i] = make(Row, rec.NumCols())
	}

	for c := range int(rec.NumCols()) {
		name := rec.ColumnName(c)
		for r := range int(rec.NumRows()) {
			value, err := columnValue(rec.Column(c), r)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			rows[r][name] = value
		}
	}
	return rows, nil
}

// RecordsRows converts a sequence of records into a single row set.
func RecordsRows(recs []arrow.Record) (Rows, error) {
	var all Rows
	for _, rec := range recs {
		rows, err := RecordRows(rec)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	return all, nil
}

func columnValue(col arrow.Array, row int) (any, error) {
	if col.IsNull(row) {
		return nil, nil
	}

	switch col := col.(type) {
	case *array.Boolean:
		return col.Value(row), nil
	case *array.Int64:
		return col.Value(row), nil
	case *array.Float64:
		return col.Value(row), nil
	case *array.Timestamp:
		return time.Unix(0, int64(col.Value(row))).UTC(), nil
	case *array.String:
		return col.Value(row), nil
	}
	return nil, fmt.Errorf("unsupported array type %T", col)
}

// Time parses a timestamp in any of the layouts CSV ingestion accepts and
// returns it in UTC. Time panics on malformed input.
func Time(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	panic(fmt.Sprintf("arrowtest: cannot parse time %q", s))
}
