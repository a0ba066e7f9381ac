package logical

import (
	"fmt"
)

// The Repartition instruction regroups a table relation into a different
// number of partitions without moving rows across their original order.
// Shrinking concatenates runs of adjacent partitions, which keeps known
// divisions intact. Growing splits partitions by row ranges and loses them.
// Repartition implements both [Instruction] and [Value].
type Repartition struct {
	id string

	Table      Value // The table relation to re-partition.
	Partitions int   // Number of output partitions.
}

var (
	_ Value       = (*Repartition)(nil)
	_ Instruction = (*Repartition)(nil)
)

// Name returns an identifier for the Repartition operation.
func (r *Repartition) Name() string {
	if r.id != "" {
		return r.id
	}
	return fmt.Sprintf("<%p>", r)
}

// String returns the disassembled SSA form of the Repartition instruction.
func (r *Repartition) String() string {
	return fmt.Sprintf("REPARTITION %s [partitions=%d]", r.Table.Name(), r.Partitions)
}

func (r *Repartition) isInstruction() {}
func (r *Repartition) isValue()       {}
