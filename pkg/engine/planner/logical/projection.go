package logical

import (
	"fmt"
	"strings"
)

// The Projection instruction narrows a table relation to a subset of its
// columns, in the given order. The index column of the input is always
// retained. Projection implements both [Instruction] and [Value].
type Projection struct {
	id string

	Table   Value        // The table relation to project.
	Columns []*ColumnRef // Columns to keep.
}

var (
	_ Value       = (*Projection)(nil)
	_ Instruction = (*Projection)(nil)
)

// Name returns an identifier for the Projection operation.
func (p *Projection) Name() string {
	if p.id != "" {
		return p.id
	}
	return fmt.Sprintf("<%p>", p)
}

// String returns the disassembled SSA form of the Projection instruction.
func (p *Projection) String() string {
	return fmt.Sprintf("PROJECT %s [columns=(%s)]", p.Table.Name(), formatColumns(p.Columns))
}

func (p *Projection) isInstruction() {}
func (p *Projection) isValue()       {}

func formatColumns(cols []*ColumnRef) string {
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name()
	}
	return strings.Join(names, ", ")
}
