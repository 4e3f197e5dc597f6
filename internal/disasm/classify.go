package disasm

// Conditional jumps are matched by explicit mnemonic, never by opcode
// ranges. The set covers both canonical spellings and the common aliases
// so streams from different decoders classify identically.
var condJumps = map[string]bool{
	"jo": true, "jno": true,
	"jb": true, "jc": true, "jnae": true,
	"jae": true, "jnb": true, "jnc": true,
	"je": true, "jz": true,
	"jne": true, "jnz": true,
	"jbe": true, "jna": true,
	"ja": true, "jnbe": true,
	"js": true, "jns": true,
	"jp": true, "jpe": true,
	"jnp": true, "jpo": true,
	"jl": true, "jnge": true,
	"jge": true, "jnl": true,
	"jle": true, "jng": true,
	"jg": true, "jnle": true,
	"jcxz": true, "jecxz": true, "jrcxz": true,
	"loop": true, "loope": true, "loopz": true,
	"loopne": true, "loopnz": true,
}

var uncondJumps = map[string]bool{
	"jmp": true, "ljmp": true,
}

var calls = map[string]bool{
	"call": true, "lcall": true,
}

var returns = map[string]bool{
	"ret": true, "retf": true, "lret": true,
	"iret": true, "iretd": true, "iretq": true,
}

// IsCondJump reports whether the instruction is a conditional branch,
// including the jcxz and loop families.
func (i Instruction) IsCondJump() bool { return condJumps[i.Mnemonic] }

// IsUncondJump reports whether the instruction is an unconditional jump.
func (i Instruction) IsUncondJump() bool { return uncondJumps[i.Mnemonic] }

// IsJump reports whether the instruction is any jump, conditional or not.
func (i Instruction) IsJump() bool { return i.IsCondJump() || i.IsUncondJump() }

// IsCall reports whether the instruction is a call.
func (i Instruction) IsCall() bool { return calls[i.Mnemonic] }

// IsReturn reports whether the instruction is a return.
func (i Instruction) IsReturn() bool { return returns[i.Mnemonic] }

// IsTerminator reports whether the instruction ends a basic block.
// Calls do not terminate blocks; execution continues at the next
// instruction once the callee returns.
func (i Instruction) IsTerminator() bool {
	return i.IsUncondJump() || i.IsCondJump() || i.IsReturn()
}

// IsIndirect reports whether a jump or call targets a register or memory
// operand. Indirect control flow never yields a resolved target.
func (i Instruction) IsIndirect() bool {
	if !i.IsJump() && !i.IsCall() {
		return false
	}
	for _, op := range i.Operands {
		if op.Kind == KindNearBranch {
			return false
		}
	}
	return true
}
