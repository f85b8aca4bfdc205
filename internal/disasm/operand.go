package disasm

import "golang.org/x/arch/arm64/arm64asm"

// Operand extraction for the page-relative load idiom.
//
// The decoder decides the operation kind; the fields are read back from the
// raw word because arm64asm keeps memory offsets unexported.

// RegZR is register number 31, which reads as XZR or SP depending on the
// instruction. It never names a general-purpose value register.
const RegZR = 31

// PageBase matches ADRP Xd, label and returns the destination register and
// the 4 KiB page the instruction materializes.
//
// Encoding: 1 | immlo(2) | 10000 | immhi(19) | Rd
func PageBase(inst Inst) (rd int, page uint64, ok bool) {
	if inst.Op != arm64asm.ADRP || inst.Raw&0x9F000000 != 0x90000000 {
		return 0, 0, false
	}
	immlo := (inst.Raw >> 29) & 0x3
	immhi := (inst.Raw >> 5) & 0x7FFFF
	pages := int64(signExtend(immhi<<2|immlo, 21))
	page = uint64(int64(inst.Addr&^0xFFF) + pages<<12)
	return int(inst.Raw & 0x1F), page, true
}

// LoadUnsigned matches LDR Xt, [Xn, #imm] (64-bit, unsigned scaled offset)
// and returns the destination, the base register and the byte offset.
//
// Encoding: size=11 | 111 | V=0 | 01 | opc=01 | imm12 | Rn | Rt
func LoadUnsigned(inst Inst) (rt, rn int, offset uint64, ok bool) {
	if inst.Op != arm64asm.LDR {
		return 0, 0, 0, false
	}
	base, off, ok := isLDR64UnsignedOffset(inst.Raw)
	if !ok {
		return 0, 0, 0, false
	}
	return int(inst.Raw & 0x1F), base, uint64(off), true
}

// BranchRegister matches BR Xn and returns n.
func BranchRegister(inst Inst) (rn int, ok bool) {
	if inst.Op != arm64asm.BR {
		return 0, false
	}
	bi := DecodeBranch(inst.Raw, inst.Addr)
	if bi == nil || !bi.Indirect {
		return 0, false
	}
	return bi.Reg, true
}

// BranchImm matches an unconditional B label and returns the absolute target.
func BranchImm(inst Inst) (target uint64, ok bool) {
	if inst.Op != arm64asm.B || inst.Raw&0xFC000000 != 0x14000000 {
		return 0, false
	}
	bi := DecodeBranch(inst.Raw, inst.Addr)
	if bi == nil {
		return 0, false
	}
	return bi.Target, true
}
