// Package disasm defines the decoded x86/x64 instruction representation
// consumed by the analysis engine, plus a thin linear decoder built on
// golang.org/x/arch for callers that start from raw bytes.
package disasm

import (
	"fmt"
	"strings"
)

// OperandKind tags what an Operand holds.
type OperandKind int

const (
	KindReg OperandKind = iota
	KindImm
	KindMem
	KindNearBranch
)

// Operand is a single decoded operand. Only the fields relevant to its
// Kind are populated: Reg for registers and memory base registers, Imm
// for immediates, Target for resolved near-branch destinations.
type Operand struct {
	Kind   OperandKind
	Reg    string // lowercase register name ("rax", "rip" for RIP-relative memory)
	Imm    int64
	Target uint64 // absolute virtual address (KindNearBranch)
	Width  uint8  // operand width in bits where known (register size, immediate encoding)
}

// Instruction is one decoded instruction. Streams handed to the analysis
// engine must be sorted by ascending, non-overlapping Address.
type Instruction struct {
	Address  uint64
	Bytes    []byte
	Mnemonic string // lowercase
	Operands []Operand
	Length   int
}

// Stream is a linear sequence of instructions.
type Stream []Instruction

// BranchTarget returns the resolved near-branch destination, if the
// instruction has one. Indirect (register/memory) branches never resolve.
func (i Instruction) BranchTarget() (uint64, bool) {
	for _, op := range i.Operands {
		if op.Kind == KindNearBranch {
			return op.Target, true
		}
	}
	return 0, false
}

// OperandText renders the operand list in "op, op" form.
func (i Instruction) OperandText() string {
	parts := make([]string, 0, len(i.Operands))
	for _, op := range i.Operands {
		switch op.Kind {
		case KindReg:
			parts = append(parts, op.Reg)
		case KindImm:
			parts = append(parts, fmt.Sprintf("0x%x", uint64(op.Imm)))
		case KindNearBranch:
			parts = append(parts, fmt.Sprintf("0x%x", op.Target))
		case KindMem:
			if op.Reg != "" {
				parts = append(parts, fmt.Sprintf("[%s+0x%x]", op.Reg, uint64(op.Imm)))
			} else {
				parts = append(parts, fmt.Sprintf("[0x%x]", uint64(op.Imm)))
			}
		}
	}
	return strings.Join(parts, ", ")
}

// Text renders the instruction in "mnemonic op, op" form for listings.
func (i Instruction) Text() string {
	if len(i.Operands) == 0 {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.OperandText()
}
