package analysis

import (
	"fmt"
	"sort"

	"dissect/internal/disasm"
	"dissect/internal/logging"
)

// FuncSource records which heuristic discovered a function. Heuristics
// run in a fixed order and only claim addresses nothing claimed before,
// so the first writer wins.
type FuncSource int

const (
	SourceEntry FuncSource = iota
	SourceExport
	SourceImport
	SourcePrologue
	SourceCallTarget
)

func (s FuncSource) String() string {
	switch s {
	case SourceEntry:
		return "entry"
	case SourceExport:
		return "export"
	case SourceImport:
		return "import"
	case SourcePrologue:
		return "prologue"
	case SourceCallTarget:
		return "call-target"
	}
	return "unknown"
}

// Function is a candidate function boundary. Name stays empty for
// discovered-but-unnamed candidates. CFG is nil when the per-function
// build failed or the address lies outside the decoded stream.
type Function struct {
	Address          uint64
	Name             string
	Source           FuncSource
	InstructionCount int
	IsImported       bool
	IsExported       bool
	IsEntryPoint     bool
	CFG              *ControlFlowGraph
}

// FindOptions toggles the discovery heuristics independently.
type FindOptions struct {
	Exports   bool
	Imports   bool
	Prologues bool
	CallGraph bool
}

// FindFunctions discovers candidate functions in a decoded stream. The
// raw binary feeds the import/export table heuristics; a nil buffer
// silently skips them. Results are sorted by ascending address. Per
// function, a CFG is attached from its window of the stream; a failed
// build leaves CFG nil and never aborts the batch.
func FindFunctions(insns []disasm.Instruction, binary []byte, is64 bool, opts FindOptions) []Function {
	found := make(map[uint64]*Function)
	add := func(addr uint64, source FuncSource) *Function {
		if _, ok := found[addr]; ok {
			return nil
		}
		f := &Function{Address: addr, Source: source}
		found[addr] = f
		return f
	}

	if len(insns) > 0 {
		if f := add(insns[0].Address, SourceEntry); f != nil {
			f.IsEntryPoint = true
		}
	}

	if opts.Exports && binary != nil {
		for _, exp := range exportsFromBinary(binary, is64) {
			if f := add(exp.VA, SourceExport); f != nil {
				f.Name = exp.Name
				f.IsExported = true
			}
		}
	}
	if opts.Imports && binary != nil {
		for _, imp := range importsFromBinary(binary, is64) {
			if f := add(imp.VA, SourceImport); f != nil {
				f.Name = imp.Name
				f.IsImported = true
			}
		}
	}

	if opts.Prologues {
		for i := range insns {
			if isPrologue(insns, i) {
				add(insns[i].Address, SourcePrologue)
			}
		}
	}

	if opts.CallGraph {
		for _, inst := range insns {
			if !inst.IsCall() {
				continue
			}
			if target, ok := inst.BranchTarget(); ok {
				add(target, SourceCallTarget)
			}
		}
	}

	byAddr := make(map[uint64]int, len(insns))
	for i, inst := range insns {
		byAddr[inst.Address] = i
	}

	funcs := make([]Function, 0, len(found))
	for _, f := range found {
		if idx, ok := byAddr[f.Address]; ok {
			end := windowEnd(insns, idx)
			window := insns[idx : end+1]
			f.InstructionCount = len(window)
			if cfg, err := BuildCFG(window, f.Address); err == nil {
				f.CFG = cfg
			}
		}
		funcs = append(funcs, *f)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Address < funcs[j].Address })

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("function discovery finished", "count", len(funcs))
	}
	return funcs
}

// isPrologue matches the common x86-64 function openers: push r64
// followed by a register move, stack adjustment by small immediate,
// frame setup, or the xor zero idiom. Deliberately noisy; downstream
// consumers filter.
func isPrologue(insns []disasm.Instruction, i int) bool {
	inst := insns[i]
	ops := inst.Operands
	switch inst.Mnemonic {
	case "push":
		if len(ops) == 1 && ops[0].Kind == disasm.KindReg && ops[0].Width == 64 && i+1 < len(insns) {
			next := insns[i+1]
			if next.Mnemonic == "mov" && len(next.Operands) == 2 &&
				next.Operands[0].Kind == disasm.KindReg && next.Operands[1].Kind == disasm.KindReg {
				return true
			}
		}
	case "sub":
		if len(ops) == 2 && ops[0].Kind == disasm.KindReg && ops[0].Width == 64 &&
			ops[1].Kind == disasm.KindImm && (ops[1].Width == 8 || ops[1].Width == 32) {
			return true
		}
	case "mov":
		if len(ops) == 2 && ops[0].Kind == disasm.KindReg && ops[0].Reg == "rbp" &&
			ops[1].Kind == disasm.KindReg && ops[1].Reg == "rsp" {
			return true
		}
	case "xor":
		if len(ops) == 2 && ops[0].Kind == disasm.KindReg && ops[0].Width == 32 &&
			ops[1].Kind == disasm.KindReg && ops[0].Reg == ops[1].Reg {
			return true
		}
	}
	return false
}

// windowEnd returns the index of the last instruction of the function
// starting at index start: the first return, or wherever the cumulative
// size crosses MaxFunctionSize, or the end of the stream.
func windowEnd(insns []disasm.Instruction, start int) int {
	size := 0
	for j := start; j < len(insns); j++ {
		size += insns[j].Length
		if insns[j].IsReturn() || size >= MaxFunctionSize {
			return j
		}
	}
	return len(insns) - 1
}

// CalculateFunctionSize estimates the byte size of the function starting
// at addr by walking forward to its first return, capped at 64 KiB. An
// address that matches no instruction yields zero.
func CalculateFunctionSize(insns []disasm.Instruction, addr uint64) int {
	for i, inst := range insns {
		if inst.Address != addr {
			continue
		}
		end := windowEnd(insns, i)
		size := 0
		for j := i; j <= end; j++ {
			size += insns[j].Length
		}
		return size
	}
	return 0
}

// FuncName returns the display name of a function, falling back to the
// sub_hex convention for unnamed candidates.
func FuncName(f Function) string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("sub_%x", f.Address)
}
