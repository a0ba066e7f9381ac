package logical

import (
	"fmt"

	"github.com/keelproject/keel/pkg/engine/types"
)

// The SetIndex instruction re-partitions a table relation by ranges of the
// named column and marks that column as the index. Rows move to the
// partition whose division interval contains their key, and every partition
// is sorted by the key afterwards. SetIndex implements both [Instruction]
// and [Value].
//
// Divisions may be provided explicitly. If left empty the boundaries are
// derived from samples of the actual keys at execution time.
type SetIndex struct {
	id string

	Table      Value           // The table relation to re-partition.
	Column     *ColumnRef      // Column to index by.
	Partitions int             // Number of output partitions.
	Divisions  types.Divisions // Explicit boundaries, or nil to sample.
	Samples    int             // Keys sampled per input partition when deriving boundaries.
}

var (
	_ Value       = (*SetIndex)(nil)
	_ Instruction = (*SetIndex)(nil)
)

// Name returns an identifier for the SetIndex operation.
func (s *SetIndex) Name() string {
	if s.id != "" {
		return s.id
	}
	return fmt.Sprintf("<%p>", s)
}

// String returns the disassembled SSA form of the SetIndex instruction.
func (s *SetIndex) String() string {
	if len(s.Divisions) > 0 {
		return fmt.Sprintf("SETINDEX %s [column=%s, divisions=%d]", s.Table.Name(), s.Column.Name(), len(s.Divisions))
	}
	return fmt.Sprintf("SETINDEX %s [column=%s, partitions=%d, samples=%d]", s.Table.Name(), s.Column.Name(), s.Partitions, s.Samples)
}

func (s *SetIndex) isInstruction() {}
func (s *SetIndex) isValue()       {}
