package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/util/errkind"
)

// ParseError describes a cell or row that could not be parsed. It is marked
// malformed; retrying the read cannot fix the object.
type ParseError struct {
	Location string // object the row came from
	Row      int    // 1-based data row within the object
	Column   string // offending column, empty for row-level errors
	Err      error
}

func (e *ParseError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: row %d: %v", e.Location, e.Row, e.Err)
	}
	return fmt.Sprintf("%s: row %d, column %q: %v", e.Location, e.Row, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (r *Reader) parseErr(column string, err error) error {
	return errkind.Malformed(&ParseError{Location: r.location, Row: r.row, Column: column, Err: err})
}

// Reader parses one CSV object into arrow record batches matching a schema.
type Reader struct {
	location string
	schema   types.Schema
	opts     Options

	cr      *csv.Reader
	closers []io.Closer

	// fields[i] is the position of schema column i in the raw row.
	fields  []int
	builder *array.RecordBuilder
	row     int
}

// NewReader returns a reader that parses the object at location into record
// batches with the given schema. With a header row, columns are matched by
// name and extra columns in the object are ignored; without one, the object
// must have exactly the schema's columns in order.
//
// The schema is typically inferred once per table with [InferSchema] and
// reused for every object; projected schemas with a subset of columns are
// honored when the object has a header.
func NewReader(r io.Reader, location string, schema types.Schema, opts Options) (*Reader, error) {
	opts = opts.withDefaults()

	var closers []io.Closer
	if rc, ok := r.(io.Closer); ok {
		closers = append(closers, rc)
	}
	decompressed, err := opts.Compression.wrap(location, r)
	if err != nil {
		return nil, err
	}
	if rc, ok := decompressed.(io.Closer); ok && decompressed != r {
		closers = append(closers, rc)
	}

	cr := csv.NewReader(decompressed)
	cr.Comma = opts.Comma
	cr.Comment = opts.Comment
	cr.ReuseRecord = true

	rd := &Reader{
		location: location,
		schema:   schema,
		opts:     opts,
		cr:       cr,
		closers:  closers,
		builder:  array.NewRecordBuilder(opts.Allocator, schema.ToArrow()),
	}
	if err := rd.mapFields(); err != nil {
		rd.Close()
		return nil, err
	}
	return rd, nil
}

// mapFields resolves the raw row position of every schema column.
func (r *Reader) mapFields() error {
	r.fields = make([]int, len(r.schema.Columns))

	if r.opts.NoHeader {
		for i := range r.fields {
			r.fields[i] = i
		}
		return nil
	}

	header, err := r.cr.Read()
	if err == io.EOF {
		return r.parseErr("", fmt.Errorf("object is empty"))
	}
	if err != nil {
		return r.parseErr("", err)
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[name] = i
	}
	for i, col := range r.schema.Columns {
		p, ok := pos[col.Name]
		if !ok {
			return r.parseErr(col.Name, fmt.Errorf("column missing from header"))
		}
		r.fields[i] = p
	}

	// The data rows may legitimately have more fields than the schema when
	// columns were projected away.
	r.cr.FieldsPerRecord = len(header)
	return nil
}

// Read returns the next record batch. It returns io.EOF after the last row.
// The caller is responsible for releasing returned records.
func (r *Reader) Read() (arrow.Record, error) {
	rows := 0
	for rows < r.opts.ChunkSize {
		cells, err := r.cr.Read()
		if err == io.EOF {
			break
		}
		r.row++
		if err != nil {
			return nil, r.parseErr("", err)
		}
		if err := r.appendRow(cells); err != nil {
			return nil, err
		}
		rows++
	}
	if rows == 0 {
		return nil, io.EOF
	}
	return r.builder.NewRecord(), nil
}

func (r *Reader) appendRow(cells []string) error {
	for i, col := range r.schema.Columns {
		p := r.fields[i]
		if p >= len(cells) {
			return r.parseErr(col.Name, fmt.Errorf("row has only %d fields", len(cells)))
		}
		if err := r.appendCell(i, col, cells[p]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) appendCell(i int, col types.Column, cell string) error {
	field := r.builder.Field(i)
	if r.opts.isNull(cell) {
		field.AppendNull()
		return nil
	}

	switch col.Type {
	case types.Bool:
		v, err := strconv.ParseBool(cell)
		if err != nil {
			return r.parseErr(col.Name, err)
		}
		field.(*array.BooleanBuilder).Append(v)
	case types.Int64:
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return r.parseErr(col.Name, err)
		}
		field.(*array.Int64Builder).Append(v)
	case types.Float64:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return r.parseErr(col.Name, err)
		}
		field.(*array.Float64Builder).Append(v)
	case types.Timestamp:
		v, err := r.opts.parseTimestamp(col.Name, cell)
		if err != nil {
			return r.parseErr(col.Name, err)
		}
		field.(*array.TimestampBuilder).Append(arrow.Timestamp(v.UnixNano()))
	case types.String:
		field.(*array.StringBuilder).Append(cell)
	default:
		return r.parseErr(col.Name, fmt.Errorf("unsupported column type %s", col.Type))
	}
	return nil
}

// Close releases the record builder and closes the underlying streams.
func (r *Reader) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	if r.builder != nil {
		r.builder.Release()
		r.builder = nil
	}
	return firstErr
}
