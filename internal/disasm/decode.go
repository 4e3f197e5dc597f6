package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Decode linearly sweeps code starting at base and returns the decoded
// stream. mode is 32 or 64. Undecodable bytes advance the cursor by one
// so a single junk byte cannot desynchronize the rest of the sweep.
func Decode(code []byte, base uint64, mode int) Stream {
	insns := make(Stream, 0, len(code)/4)
	offset := 0
	for offset < len(code) {
		va := base + uint64(offset)
		inst, err := x86asm.Decode(code[offset:], mode)
		if err != nil || inst.Len == 0 {
			offset++
			continue
		}
		insns = append(insns, fromX86(inst, va, code[offset:offset+inst.Len]))
		offset += inst.Len
	}
	return insns
}

func fromX86(inst x86asm.Inst, va uint64, raw []byte) Instruction {
	out := Instruction{
		Address:  va,
		Bytes:    append([]byte(nil), raw...),
		Mnemonic: strings.ToLower(inst.Op.String()),
		Length:   inst.Len,
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, Operand{
				Kind:  KindReg,
				Reg:   strings.ToLower(a.String()),
				Width: regWidth(a),
			})
		case x86asm.Imm:
			out.Operands = append(out.Operands, Operand{
				Kind:  KindImm,
				Imm:   int64(a),
				Width: immWidth(inst, int64(a)),
			})
		case x86asm.Rel:
			out.Operands = append(out.Operands, Operand{
				Kind:   KindNearBranch,
				Target: va + uint64(inst.Len) + uint64(int64(a)),
				Width:  32,
			})
		case x86asm.Mem:
			m := Operand{Kind: KindMem, Imm: a.Disp}
			if a.Base != 0 {
				m.Reg = strings.ToLower(a.Base.String())
			}
			out.Operands = append(out.Operands, m)
		}
	}
	return out
}

func regWidth(r x86asm.Reg) uint8 {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 64
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 32
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 16
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 8
	default:
		return 0
	}
}

// immWidth reports the encoded immediate width. The only 64-bit
// immediate form is the 10-byte movabs encoding; everything else is
// classified by the smallest encoding that holds the value.
func immWidth(inst x86asm.Inst, v int64) uint8 {
	if inst.Op == x86asm.MOV && inst.Len >= 10 {
		return 64
	}
	switch {
	case v >= -128 && v <= 127:
		return 8
	case v >= -32768 && v <= 32767:
		return 16
	case v >= -2147483648 && v <= 2147483647:
		return 32
	default:
		return 64
	}
}
