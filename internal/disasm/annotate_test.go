package disasm

import (
	"testing"

	"objcstubs/internal/machox/machotest"
)

func TestIsLDR64UnsignedOffset(t *testing.T) {
	tests := []struct {
		name       string
		raw        uint32
		wantBase   int
		wantOffset int
		wantOK     bool
	}{
		// LDR X1, [X1, #0x8f8] → selref slot load
		// Encoding: 0xF9400000 | (imm12 << 10) | (Rn << 5) | Rt
		// imm12 = 0x8f8/8 = 0x11f, Rn=1, Rt=1
		{"selref_load", 0xF9400000 | (0x11f << 10) | (1 << 5) | 1, 1, 0x8f8, true},

		// LDR X16, [X16, #0xe80] → GOT slot load
		{"got_load", 0xF9400000 | (0x1d0 << 10) | (16 << 5) | 16, 16, 0xe80, true},

		// LDR X0, [X29, #64] → frame pointer load
		{"FP_load", 0xF9400000 | (8 << 10) | (29 << 5) | 0, 29, 64, true},

		// Not an LDR (STR instruction)
		{"not_LDR", 0xF9000000, 0, 0, false},

		// ADD instruction
		{"ADD_not_LDR", 0x91000000, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, off, ok := isLDR64UnsignedOffset(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if base != tt.wantBase {
				t.Errorf("base = %d, want %d", base, tt.wantBase)
			}
			if off != tt.wantOffset {
				t.Errorf("offset = %d, want %d", off, tt.wantOffset)
			}
		})
	}
}

func TestIsADD64Immediate(t *testing.T) {
	tests := []struct {
		name    string
		raw     uint32
		wantRd  int
		wantRn  int
		wantImm int
		wantOK  bool
	}{
		// ADD X0, X8, #0x1000 (shift=1, imm12=1)
		// Encoding: 0x91000000 | (1<<22) | (1<<10) | (8<<5) | 0
		{"ADD_shift12", 0x91000000 | (1 << 22) | (1 << 10) | (8 << 5) | 0, 0, 8, 0x1000, true},

		// ADD X5, X8, #0x10 (shift=0, imm12=0x10)
		{"ADD_noshift", 0x91000000 | (0x10 << 10) | (8 << 5) | 5, 5, 8, 0x10, true},

		// SUB instruction (not ADD)
		{"SUB_not_ADD", 0xD1000000, 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd, rn, imm, ok := isADD64Immediate(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if rd != tt.wantRd {
				t.Errorf("rd = %d, want %d", rd, tt.wantRd)
			}
			if rn != tt.wantRn {
				t.Errorf("rn = %d, want %d", rn, tt.wantRn)
			}
			if imm != tt.wantImm {
				t.Errorf("imm = 0x%x, want 0x%x", imm, tt.wantImm)
			}
		})
	}
}

func stubInsts(pc uint64) []Inst {
	words := []uint32{
		machotest.ADRP(1, pc, machotest.SelRefsAddr&^0xFFF),
		machotest.LDR(1, 1, machotest.SelRefsAddr&0xFFF),
		machotest.ADRP(16, pc+8, machotest.GOTAddr&^0xFFF),
		machotest.LDR(16, 16, machotest.GOTAddr&0xFFF),
		machotest.BR(16),
	}
	insts := make([]Inst, len(words))
	for i, w := range words {
		insts[i] = Decode(w, pc+uint64(i)*4)
	}
	return insts
}

func TestPageAnnotator(t *testing.T) {
	slots := map[uint64]string{
		machotest.SelRefsAddr: `"window"`,
		machotest.GOTAddr:     "_objc_msgSend",
	}
	insts := stubInsts(machotest.StubsAddr)
	ann := PageAnnotator(insts, func(addr uint64) string { return slots[addr] })

	if got := ann(insts[0]); got != "" {
		t.Errorf("ADRP annotated: %q", got)
	}
	if got, want := ann(insts[1]), `0x1000048f8 "window"`; got != want {
		t.Errorf("selref load = %q, want %q", got, want)
	}
	if got, want := ann(insts[3]), "0x100005e80 _objc_msgSend"; got != want {
		t.Errorf("GOT load = %q, want %q", got, want)
	}
	if got := ann(insts[4]); got != "" {
		t.Errorf("BR annotated: %q", got)
	}
}

func TestPageAnnotator_NoResolver(t *testing.T) {
	insts := stubInsts(machotest.StubsAddr)
	ann := PageAnnotator(insts, nil)
	if got := ann(insts[1]); got != "0x1000048f8" {
		t.Errorf("got %q", got)
	}
}

func TestPageAnnotator_ADD(t *testing.T) {
	// ADRP X0, page; ADD X0, X0, #0x10
	pc := uint64(0x100001000)
	insts := []Inst{
		Decode(machotest.ADRP(0, pc, 0x100003000), pc),
		Decode(0x91000000|(0x10<<10)|(0<<5)|0, pc+4),
	}
	ann := PageAnnotator(insts, nil)
	if got := ann(insts[1]); got != "0x100003010" {
		t.Errorf("got %q", got)
	}
}

func TestPageAnnotator_ResetsAtTerminator(t *testing.T) {
	// A page formed before a RET must not annotate a load after it.
	pc := uint64(0x100001000)
	insts := []Inst{
		Decode(machotest.ADRP(8, pc, 0x100003000), pc),
		Decode(machotest.RET, pc+4),
		Decode(machotest.LDR(2, 8, 0x10), pc+8),
	}
	ann := PageAnnotator(insts, nil)
	if got := ann(insts[2]); got != "" {
		t.Errorf("page leaked across RET: %q", got)
	}
}
