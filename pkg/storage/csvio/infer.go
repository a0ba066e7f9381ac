package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/keelproject/keel/pkg/engine/types"
)

// timestampLayouts are tried in order when parsing timestamp cells. Layouts
// without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp parses a timestamp cell of the named column. A per-column
// layout replaces the default layout list entirely.
func (o Options) parseTimestamp(column, cell string) (time.Time, error) {
	if layout, ok := o.TimeLayouts[column]; ok {
		ts, err := time.Parse(layout, cell)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}
	return parseAnyTimestamp(cell)
}

func parseAnyTimestamp(cell string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, cell); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", cell)
}

// detectType returns the narrowest type the cell parses as. A column with an
// explicit time layout detects as Timestamp whenever the cell matches it,
// even if the cell also parses as a number.
func (o Options) detectType(column, cell string) types.DataType {
	if layout, ok := o.TimeLayouts[column]; ok {
		if _, err := time.Parse(layout, cell); err == nil {
			return types.Timestamp
		}
	}
	return detectType(cell)
}

func detectType(cell string) types.DataType {
	if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return types.Int64
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return types.Float64
	}
	if _, err := strconv.ParseBool(cell); err == nil {
		return types.Bool
	}
	if _, err := parseAnyTimestamp(cell); err == nil {
		return types.Timestamp
	}
	return types.String
}

// joinTypes widens two detected cell types into a type covering both.
// Int64 widens into Float64; everything else mixes into String.
func joinTypes(a, b types.DataType) types.DataType {
	if a == b {
		return a
	}
	if a == types.Invalid {
		return b
	}
	if b == types.Invalid {
		return a
	}
	if (a == types.Int64 && b == types.Float64) || (a == types.Float64 && b == types.Int64) {
		return types.Float64
	}
	return types.String
}

// InferSchema reads up to opts.InferRows rows from r and infers a column
// schema. Column names come from the header row unless opts.NoHeader is set.
// Type overrides in opts.Types replace the inferred types. Inference never
// reads the full object; callers re-open the object to read data.
func InferSchema(r io.Reader, location string, opts Options) (types.Schema, error) {
	opts = opts.withDefaults()

	decompressed, err := opts.Compression.wrap(location, r)
	if err != nil {
		return types.Schema{}, err
	}

	cr := csv.NewReader(decompressed)
	cr.Comma = opts.Comma
	cr.Comment = opts.Comment
	cr.ReuseRecord = true

	var names []string
	if !opts.NoHeader {
		header, err := cr.Read()
		if err == io.EOF {
			return types.Schema{}, errors.Errorf("object %s is empty", location)
		}
		if err != nil {
			return types.Schema{}, errors.Wrapf(err, "reading header of %s", location)
		}
		names = append(names, header...)
	}

	detected := make([]types.DataType, len(names))
	for row := 0; row < opts.InferRows; row++ {
		cells, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Schema{}, errors.Wrapf(err, "sampling %s", location)
		}
		if names == nil {
			names = make([]string, len(cells))
			for i := range cells {
				names[i] = fmt.Sprintf("column_%d", i)
			}
			detected = make([]types.DataType, len(names))
		}
		for i, cell := range cells {
			if opts.isNull(cell) {
				continue
			}
			detected[i] = joinTypes(detected[i], opts.detectType(names[i], cell))
		}
	}
	if names == nil {
		return types.Schema{}, errors.Errorf("object %s is empty", location)
	}

	columns := make([]types.Column, len(names))
	for i, name := range names {
		ty := detected[i]
		if ty == types.Invalid {
			// All sampled cells were null.
			ty = types.String
		}
		columns[i] = types.Column{Name: name, Type: ty}
	}

	for name, ty := range opts.Types {
		found := false
		for i := range columns {
			if columns[i].Name == name {
				columns[i].Type = ty
				found = true
				break
			}
		}
		if !found {
			return types.Schema{}, errors.Errorf("type override for unknown column %q", name)
		}
	}

	for name := range opts.TimeLayouts {
		found := false
		for i := range columns {
			if columns[i].Name == name {
				found = true
				break
			}
		}
		if !found {
			return types.Schema{}, errors.Errorf("time layout for unknown column %q", name)
		}
	}

	return types.NewSchema(columns, "")
}
