// Package csvio reads CSV objects into arrow record batches. It infers
// column types from a sample of rows, honors per-column overrides, and
// transparently decompresses gzip objects.
package csvio

import (
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/keelproject/keel/pkg/engine/types"
)

// Compression selects how object payloads are decompressed before parsing.
type Compression uint8

const (
	// CompressionAuto decides based on the object name suffix.
	CompressionAuto Compression = iota
	CompressionNone
	CompressionGzip
)

func (c Compression) wrap(location string, r io.Reader) (io.Reader, error) {
	gzipped := c == CompressionGzip
	if c == CompressionAuto && strings.HasSuffix(location, ".gz") {
		gzipped = true
	}
	if !gzipped {
		return r, nil
	}
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrapf(err, "opening gzip stream for %s", location)
	}
	return gr, nil
}

// DefaultChunkSize is the number of rows per emitted record batch.
const DefaultChunkSize = 4096

// DefaultInferRows is the number of rows sampled for schema inference.
const DefaultInferRows = 100

// Options control CSV parsing. The zero value reads comma-separated objects
// with a header row.
type Options struct {
	// Comma is the field delimiter. Defaults to ','.
	Comma rune `yaml:"comma"`
	// Comment, if non-zero, makes lines starting with it skipped.
	Comment rune `yaml:"comment"`
	// NoHeader indicates objects carry no header row. Columns are then
	// named column_0, column_1, and so on.
	NoHeader bool `yaml:"no_header"`
	// ChunkSize is the number of rows per record batch.
	ChunkSize int `yaml:"chunk_size"`
	// InferRows is the number of rows sampled for schema inference.
	InferRows int `yaml:"infer_rows"`
	// NullValues are cell contents treated as null.
	NullValues []string `yaml:"null_values"`
	// Types overrides the inferred type of named columns.
	Types map[string]types.DataType `yaml:"-"`
	// TimeLayouts overrides the timestamp layout of named columns. Columns
	// without an entry try the default layouts, RFC3339 first.
	TimeLayouts map[string]string `yaml:"time_layouts"`
	// Compression selects payload decompression.
	Compression Compression `yaml:"-"`

	// Allocator used for record batches. Defaults to [memory.DefaultAllocator].
	Allocator memory.Allocator `yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.Comma == 0 {
		o.Comma = ','
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.InferRows <= 0 {
		o.InferRows = DefaultInferRows
	}
	if o.NullValues == nil {
		o.NullValues = []string{"", "NA", "NaN", "null", "NULL"}
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

func (o Options) isNull(cell string) bool {
	for _, nv := range o.NullValues {
		if cell == nv {
			return true
		}
	}
	return false
}
