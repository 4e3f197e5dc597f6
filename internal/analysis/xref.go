package analysis

import (
	"fmt"

	"dissect/internal/disasm"
	"dissect/internal/logging"
)

// RefType classifies a cross-reference.
type RefType int

const (
	RefJump RefType = iota
	RefCondJump
	RefCall
	RefMovImmediate64
)

func (t RefType) String() string {
	switch t {
	case RefJump:
		return "jump"
	case RefCondJump:
		return "cond-jump"
	case RefCall:
		return "call"
	case RefMovImmediate64:
		return "mov-imm64"
	}
	return "unknown"
}

// CrossReference records that the instruction at SourceAddress refers to
// TargetAddress.
type CrossReference struct {
	SourceAddress uint64
	TargetAddress uint64
	Type          RefType
	Description   string
}

// BuildXrefs extracts cross-references from a decoded stream, keyed by
// source address. Code-to-code references come from resolvable jumps and
// calls. Code-to-data references come from 64-bit immediate loads whose
// value lands in the 4 GiB window above imageBase; RIP-relative lea/mov
// operands are not resolved.
func BuildXrefs(insns []disasm.Instruction, imageBase uint64) map[uint64][]CrossReference {
	xrefs := make(map[uint64][]CrossReference)
	add := func(src, dst uint64, t RefType, desc string) {
		xrefs[src] = append(xrefs[src], CrossReference{
			SourceAddress: src,
			TargetAddress: dst,
			Type:          t,
			Description:   desc,
		})
	}

	for _, inst := range insns {
		switch {
		case inst.IsCall():
			if target, ok := inst.BranchTarget(); ok {
				add(inst.Address, target, RefCall, fmt.Sprintf("call to 0x%x", target))
			}
		case inst.IsCondJump():
			if target, ok := inst.BranchTarget(); ok {
				add(inst.Address, target, RefCondJump, fmt.Sprintf("conditional jump to 0x%x", target))
			}
		case inst.IsUncondJump():
			if target, ok := inst.BranchTarget(); ok {
				add(inst.Address, target, RefJump, fmt.Sprintf("jump to 0x%x", target))
			}
		case inst.Mnemonic == "mov" && len(inst.Operands) == 2:
			dst, src := inst.Operands[0], inst.Operands[1]
			if dst.Kind != disasm.KindReg || dst.Width != 64 {
				continue
			}
			if src.Kind != disasm.KindImm || src.Width != 64 {
				continue
			}
			v := uint64(src.Imm)
			if v == 0 || v < MinDataRefTarget {
				continue
			}
			if v < imageBase || v >= imageBase+DataRefWindow {
				continue
			}
			add(inst.Address, v, RefMovImmediate64, fmt.Sprintf("loads address 0x%x", v))
		}
	}

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("extracted xrefs", "sources", len(xrefs))
	}
	return xrefs
}

// ReferencesTo returns every cross-reference pointing at target. The
// store is keyed by source only, so this is a linear scan.
func ReferencesTo(xrefs map[uint64][]CrossReference, target uint64) []CrossReference {
	var refs []CrossReference
	for _, list := range xrefs {
		for _, ref := range list {
			if ref.TargetAddress == target {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}
