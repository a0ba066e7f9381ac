// Package logical builds the logical representation of a query: a list of
// instructions in SSA form describing what to compute, without fixing how
// many partitions are touched or in which order operators run. The physical
// planner lowers it against the catalog.
package logical

import (
	"fmt"
	"strings"
)

// A Value is an operand of an instruction. Values are either inline
// (column references, literals) or the results of other instructions.
type Value interface {
	// Name returns the identifier of the value in SSA form.
	Name() string
	// String returns the disassembled SSA form of the value.
	String() string

	isValue()
}

// An Instruction computes a result or terminates the plan. Most
// instructions are also values; [Return] is the exception.
type Instruction interface {
	// String returns the disassembled SSA form of the instruction.
	String() string

	isInstruction()
}

// The Return instruction yields the value a plan produces. Return
// implements [Instruction].
type Return struct {
	Value Value
}

// String returns the disassembled SSA form of r.
func (r *Return) String() string {
	return fmt.Sprintf("RETURN %s", r.Value.Name())
}

func (r *Return) isInstruction() {}

// Plan is a logical query plan as an ordered list of instructions, ending
// with a [Return].
type Plan struct {
	Instructions []Instruction
}

// Value returns the value produced by the plan.
func (p *Plan) Value() Value {
	for _, inst := range p.Instructions {
		if ret, ok := inst.(*Return); ok {
			return ret.Value
		}
	}
	panic("logical plan has no return instruction")
}

// String returns the disassembled SSA form of the whole plan. Instructions
// that produce a value are printed as assignments to their SSA name.
func (p *Plan) String() string {
	var sb strings.Builder
	for _, inst := range p.Instructions {
		if v, ok := inst.(Value); ok {
			fmt.Fprintf(&sb, "%s = %s\n", v.Name(), inst.String())
			continue
		}
		sb.WriteString(inst.String())
		sb.WriteRune('\n')
	}
	return sb.String()
}
