package logical

import (
	"fmt"
	"time"

	"github.com/keelproject/keel/pkg/engine/types"
)

// The Resample instruction buckets rows of a timestamp-indexed table
// relation into fixed intervals and reduces each value column per bucket.
// Bucket boundaries are aligned to the Unix epoch. Resample implements both
// [Instruction] and [Value].
type Resample struct {
	id string

	Table    Value                 // The table relation to resample.
	Interval time.Duration         // Width of each time bucket.
	Type     types.AggregationType // Aggregation applied per bucket.
	Columns  []*ColumnRef          // Value columns, or empty for all non-index columns.
}

var (
	_ Value       = (*Resample)(nil)
	_ Instruction = (*Resample)(nil)
)

// Name returns an identifier for the Resample operation.
func (r *Resample) Name() string {
	if r.id != "" {
		return r.id
	}
	return fmt.Sprintf("<%p>", r)
}

// String returns the disassembled SSA form of the Resample instruction.
func (r *Resample) String() string {
	return fmt.Sprintf("RESAMPLE %s [interval=%s, type=%s, columns=(%s)]", r.Table.Name(), r.Interval, r.Type, formatColumns(r.Columns))
}

func (r *Resample) isInstruction() {}
func (r *Resample) isValue()       {}
