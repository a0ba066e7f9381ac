package logical

import (
	"fmt"
)

// The Limit instruction truncates a table relation to at most Fetch rows
// after discarding the first Skip rows, in partition order. Limit implements
// both [Instruction] and [Value].
type Limit struct {
	id string

	Table Value  // The table relation to limit.
	Skip  uint32 // Number of leading rows to discard.
	Fetch uint32 // Maximum number of rows to keep, 0 means unlimited.
}

var (
	_ Value       = (*Limit)(nil)
	_ Instruction = (*Limit)(nil)
)

// Name returns an identifier for the Limit operation.
func (l *Limit) Name() string {
	if l.id != "" {
		return l.id
	}
	return fmt.Sprintf("<%p>", l)
}

// String returns the disassembled SSA form of the Limit instruction.
func (l *Limit) String() string {
	return fmt.Sprintf("LIMIT %s [skip=%d, fetch=%d]", l.Table.Name(), l.Skip, l.Fetch)
}

func (l *Limit) isInstruction() {}
func (l *Limit) isValue()       {}
