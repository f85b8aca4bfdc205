package disasm

import "fmt"

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation. Receives the full Inst for access
// to both raw encoding and address.
type Annotator func(inst Inst) string

// SlotResolver describes the data at an absolute address, e.g. the selector
// a selref slot points at. Returns "" when nothing is known.
type SlotResolver func(addr uint64) string

// isLDR64UnsignedOffset returns true if the raw 32-bit ARM64 instruction is
// LDR Xt, [Xn, #imm] (64-bit, unsigned offset). Returns the base register
// number and the byte offset.
//
// Encoding: size=11 | 111 | V=0 | 01 | opc=01 | imm12 | Rn | Rt
// Mask: 0xFFC00000, Value: 0xF9400000
func isLDR64UnsignedOffset(raw uint32) (baseReg int, byteOffset int, ok bool) {
	if raw&0xFFC00000 != 0xF9400000 {
		return 0, 0, false
	}
	rn := int((raw >> 5) & 0x1F)
	imm12 := int((raw >> 10) & 0xFFF)
	return rn, imm12 << 3, true // scaled by 8 for 64-bit
}

// isADD64Immediate returns true if the raw instruction is ADD Xd, Xn, #imm
// (64-bit). Returns dest reg, source reg, and the effective immediate value
// (with shift applied).
//
// Encoding: sf=1 | op=0 | S=0 | 100010 | sh | imm12 | Rn | Rd
// Mask: 0x7F800000, Value: 0x11000000 (with sf=1 → 0x91000000)
func isADD64Immediate(raw uint32) (rd, rn int, immValue int, ok bool) {
	if raw&0xFF000000 != 0x91000000 {
		return 0, 0, 0, false
	}
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	imm12 := int((raw >> 10) & 0xFFF)
	shift := int((raw >> 22) & 0x3)
	if shift == 1 {
		immValue = imm12 << 12
	} else {
		immValue = imm12
	}
	return rd, rn, immValue, true
}

// PageAnnotator pre-computes annotations for ADRP-based address formation
// across an instruction stream. ADRP Xd, page followed by LDR Xt, [Xd, #off]
// or ADD Xt, Xd, #off is annotated with the absolute address, plus the
// resolver's description when it has one.
//
// Page bases are forgotten at any unconditional terminator so one stub does
// not leak into the next.
func PageAnnotator(insts []Inst, resolve SlotResolver) Annotator {
	anns := make(map[uint64]string)
	pages := make(map[int]uint64)

	for _, inst := range insts {
		if rd, page, ok := PageBase(inst); ok {
			pages[rd] = page
			continue
		}

		if base, off, ok := isLDR64UnsignedOffset(inst.Raw); ok {
			if page, known := pages[base]; known {
				anns[inst.Addr] = describeSlot(page+uint64(off), resolve)
			}
			delete(pages, int(inst.Raw&0x1F))
			continue
		}

		if rd, rn, imm, ok := isADD64Immediate(inst.Raw); ok {
			if page, known := pages[rn]; known {
				anns[inst.Addr] = describeSlot(page+uint64(imm), resolve)
			}
			delete(pages, rd)
			continue
		}

		if IsFunctionEnd(inst.Raw) {
			clear(pages)
		}
	}

	return func(inst Inst) string {
		if s, ok := anns[inst.Addr]; ok {
			return s
		}
		return ""
	}
}

func describeSlot(addr uint64, resolve SlotResolver) string {
	if resolve != nil {
		if s := resolve(addr); s != "" {
			return fmt.Sprintf("0x%x %s", addr, s)
		}
	}
	return fmt.Sprintf("0x%x", addr)
}
