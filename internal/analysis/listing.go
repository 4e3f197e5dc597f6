package analysis

import (
	"fmt"
	"strings"

	"dissect/internal/disasm"
)

// AnnotatedInst represents a disassembled instruction with annotations
type AnnotatedInst struct {
	VA          uint64
	Mnemonic    string
	Operands    string
	Annotations []string // Comments to display
}

// String formats the instruction with padding at column 50 for annotations
// This returns plain text - colorization should be done after formatting
func (a AnnotatedInst) String() string {
	// Check if this is a label (ends with colon)
	if strings.HasSuffix(a.Mnemonic, ":") {
		return fmt.Sprintf("%x  %s", a.VA, a.Mnemonic)
	}

	addr := fmt.Sprintf("%x", a.VA) // No 0x prefix, will be added by colorizer if needed
	base := fmt.Sprintf("%-10s %-6s %-30s", addr, a.Mnemonic, a.Operands)

	if len(a.Annotations) > 0 {
		return fmt.Sprintf("%s ; %s", base, strings.Join(a.Annotations, ", "))
	}
	return base
}

// Annotate renders a decoded stream as a listing, folding in what the
// other passes learned: loc labels at in-stream jump targets, symbol
// names on resolved branch targets, data references, and inbound
// reference counts.
func Annotate(insns []disasm.Instruction, xrefs map[uint64][]CrossReference, symbols map[uint64]Symbol) []AnnotatedInst {
	inbound := make(map[uint64]int)
	for _, list := range xrefs {
		for _, ref := range list {
			inbound[ref.TargetAddress]++
		}
	}
	labels := make(map[uint64]bool)
	for _, inst := range insns {
		if inst.IsJump() {
			if target, ok := inst.BranchTarget(); ok {
				labels[target] = true
			}
		}
	}

	listing := make([]AnnotatedInst, 0, len(insns))
	for _, inst := range insns {
		if labels[inst.Address] {
			listing = append(listing, AnnotatedInst{
				VA:       inst.Address,
				Mnemonic: fmt.Sprintf("loc_%x:", inst.Address),
			})
		}

		a := AnnotatedInst{
			VA:       inst.Address,
			Mnemonic: inst.Mnemonic,
			Operands: inst.OperandText(),
		}
		if target, ok := inst.BranchTarget(); ok {
			switch {
			case symbols[target].Name != "":
				a.Annotations = append(a.Annotations, symbols[target].Name)
			case inst.IsCall():
				a.Annotations = append(a.Annotations, fmt.Sprintf("sub_%x", target))
			case labels[target]:
				a.Annotations = append(a.Annotations, fmt.Sprintf("-> loc_%x", target))
			}
		}
		for _, ref := range xrefs[inst.Address] {
			if ref.Type == RefMovImmediate64 {
				a.Annotations = append(a.Annotations, ref.Description)
			}
		}
		if n := inbound[inst.Address]; n > 0 {
			a.Annotations = append(a.Annotations, fmt.Sprintf("xrefs: %d", n))
		}
		listing = append(listing, a)
	}
	return listing
}
