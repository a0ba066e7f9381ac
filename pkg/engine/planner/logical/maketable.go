package logical

import (
	"fmt"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
)

// The MakeTable instruction yields a table relation from a resolved table
// descriptor. MakeTable implements both [Instruction] and [Value].
//
// The descriptor is resolved against the catalog before planning starts, so
// converting a plan to its physical form does no IO.
type MakeTable struct {
	id string

	Table *catalog.TableDesc // Descriptor of the table to scan.
}

var (
	_ Value       = (*MakeTable)(nil)
	_ Instruction = (*MakeTable)(nil)
)

// Name returns an identifier for the MakeTable operation.
func (t *MakeTable) Name() string {
	if t.id != "" {
		return t.id
	}
	return fmt.Sprintf("<%p>", t)
}

// String returns the disassembled SSA form of the MakeTable instruction.
func (t *MakeTable) String() string {
	return fmt.Sprintf("MAKETABLE [table=%s, format=%s, partitions=%d]", t.Table.Name, t.Table.Format, t.Table.NumPartitions())
}

// Schema returns the schema of the table.
func (t *MakeTable) Schema() types.Schema {
	return t.Table.Schema
}

func (t *MakeTable) isInstruction() {}
func (t *MakeTable) isValue()       {}
