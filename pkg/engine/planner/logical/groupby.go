package logical

import (
	"fmt"

	"github.com/keelproject/keel/pkg/engine/types"
)

// The GroupBy instruction groups rows of a table relation by one or more
// key columns and reduces each remaining column with a single aggregation.
// The result has one row per distinct key combination. GroupBy implements
// both [Instruction] and [Value].
type GroupBy struct {
	id string

	Table   Value                 // The table relation to aggregate.
	Keys    []*ColumnRef          // Grouping key columns.
	Type    types.AggregationType // Aggregation applied to every value column.
	Columns []*ColumnRef          // Value columns, or empty for all non-key columns.
}

var (
	_ Value       = (*GroupBy)(nil)
	_ Instruction = (*GroupBy)(nil)
)

// Name returns an identifier for the GroupBy operation.
func (g *GroupBy) Name() string {
	if g.id != "" {
		return g.id
	}
	return fmt.Sprintf("<%p>", g)
}

// String returns the disassembled SSA form of the GroupBy instruction.
func (g *GroupBy) String() string {
	return fmt.Sprintf("GROUPBY %s [keys=(%s), type=%s, columns=(%s)]", g.Table.Name(), formatColumns(g.Keys), g.Type, formatColumns(g.Columns))
}

func (g *GroupBy) isInstruction() {}
func (g *GroupBy) isValue()       {}
