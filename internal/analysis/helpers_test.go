package analysis

import "dissect/internal/disasm"

// Shorthand constructors for synthetic instruction streams.

func ins(addr uint64, mnemonic string, length int, ops ...disasm.Operand) disasm.Instruction {
	return disasm.Instruction{Address: addr, Mnemonic: mnemonic, Operands: ops, Length: length}
}

func reg(name string, width uint8) disasm.Operand {
	return disasm.Operand{Kind: disasm.KindReg, Reg: name, Width: width}
}

func imm(v int64, width uint8) disasm.Operand {
	return disasm.Operand{Kind: disasm.KindImm, Imm: v, Width: width}
}

func branch(target uint64) disasm.Operand {
	return disasm.Operand{Kind: disasm.KindNearBranch, Target: target}
}
