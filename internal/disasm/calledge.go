package disasm

import "fmt"

// CallEdge represents a call or tail-call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`                // "bl", "blr", "b" or "br"
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for bl/b
	TargetName string `json:"target_name,omitempty"`
	Reg        string `json:"reg,omitempty"` // register for blr/br (e.g. "X16")
	Via        string `json:"via,omitempty"` // provenance: "0x100008010 _objc_msgSend", ""
}

// RegDef records the last definition of a register within the tracking window.
type RegDef struct {
	Annotation string // e.g. "0x100008010 _objc_msgSend"
	Age        int    // instructions since definition
}

// RegTracker tracks last-def provenance for GP registers X0-X30.
// Definitions older than w instructions are expired.
type RegTracker struct {
	defs [31]RegDef // X0..X30
	w    int
}

// NewRegTracker creates a tracker with the given window size.
func NewRegTracker(w int) *RegTracker {
	return &RegTracker{w: w}
}

// Reset clears all tracked definitions. Call between functions.
func (rt *RegTracker) Reset() {
	for i := range rt.defs {
		rt.defs[i] = RegDef{}
	}
}

// Tick ages all definitions by 1 and expires those beyond the window.
func (rt *RegTracker) Tick() {
	for i := range rt.defs {
		if rt.defs[i].Annotation != "" {
			rt.defs[i].Age++
			if rt.defs[i].Age > rt.w {
				rt.defs[i] = RegDef{}
			}
		}
	}
}

// Define records that register rd was defined with the given annotation.
func (rt *RegTracker) Define(rd int, annotation string) {
	if rd < 0 || rd > 30 {
		return
	}
	rt.defs[rd] = RegDef{Annotation: annotation, Age: 0}
}

// Lookup returns the annotation for register rd, or "" if expired/unknown.
func (rt *RegTracker) Lookup(rd int) string {
	if rd < 0 || rd > 30 {
		return ""
	}
	return rt.defs[rd].Annotation
}

// Kill clears the definition for a register (e.g. when overwritten by a
// non-annotated instruction).
func (rt *RegTracker) Kill(rd int) {
	if rd < 0 || rd > 30 {
		return
	}
	rt.defs[rd] = RegDef{}
}

// isBL detects ARM64 BL (branch with link) instructions.
// Encoding: 1 | 00101 | imm26
// Mask: 0xFC000000, Value: 0x94000000
// Returns the target address (sign-extended imm26 * 4 + PC).
func isBL(raw uint32, pc uint64) (target uint64, ok bool) {
	if raw&0xFC000000 != 0x94000000 {
		return 0, false
	}
	imm26 := int32(raw & 0x03FFFFFF)
	// Sign extend from 26 bits.
	if imm26&(1<<25) != 0 {
		imm26 |= ^int32(0x03FFFFFF)
	}
	target = uint64(int64(pc) + int64(imm26)*4)
	return target, true
}

// isBLR detects ARM64 BLR (branch with link to register) instructions.
// Encoding: 1101011 | 0 | 0 | 01 | 11111 | 0000 | 0 | 0 | Rn | 00000
// Mask: 0xFFFFFC1F, Value: 0xD63F0000
// Returns the register number.
func isBLR(raw uint32) (rn int, ok bool) {
	if raw&0xFFFFFC1F != 0xD63F0000 {
		return 0, false
	}
	rn = int((raw >> 5) & 0x1F)
	return rn, true
}

// dstRegOfInst returns the destination register of a data-processing or load
// instruction, or -1 if not detected. Used by the register tracker to know
// which register an annotated instruction defines.
func dstRegOfInst(raw uint32) int {
	switch {
	case raw&0xFFC00000 == 0xF9400000: // LDR X64 unsigned offset
		return int(raw & 0x1F)
	case raw&0xFFC00000 == 0xB9400000: // LDR W32 unsigned offset
		return int(raw & 0x1F)
	case raw&0xFFE00C00 == 0xF8400000: // LDUR X64
		return int(raw & 0x1F)
	case raw&0x9F000000 == 0x90000000: // ADRP
		return int(raw & 0x1F)
	case raw&0x9F000000 == 0x10000000: // ADR
		return int(raw & 0x1F)
	case raw&0xFF000000 == 0x91000000: // ADD X64 immediate
		return int(raw & 0x1F)
	case raw&0xFF000000 == 0xD1000000: // SUB X64 immediate
		return int(raw & 0x1F)
	case raw&0xFF800000 == 0xD2800000, // MOVZ X
		raw&0xFF800000 == 0xF2800000, // MOVK X
		raw&0xFF800000 == 0x92800000: // MOVN X
		return int(raw & 0x1F)
	}
	return -1
}

// ExtractCallEdges scans instructions for BL, BLR, B and BR sites.
// Annotators are run per instruction to populate a register tracker with
// window w; BLR/BR sites take the provenance of their target register.
// symbols resolves direct branch targets to names.
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, annotators []Annotator, w int) []CallEdge {
	rt := NewRegTracker(w)
	var edges []CallEdge

	direct := func(kind string, from, target uint64) CallEdge {
		e := CallEdge{FromPC: from, Kind: kind, TargetPC: target}
		if symbols != nil {
			if name, found := symbols(target); found {
				e.TargetName = name
			}
		}
		return e
	}

	for _, inst := range insts {
		if target, ok := isBL(inst.Raw, inst.Addr); ok {
			edges = append(edges, direct("bl", inst.Addr, target))
			rt.Tick()
			continue
		}

		if rn, ok := isBLR(inst.Raw); ok {
			edges = append(edges, CallEdge{
				FromPC: inst.Addr,
				Kind:   "blr",
				Reg:    fmt.Sprintf("X%d", rn),
				Via:    rt.Lookup(rn),
			})
			rt.Tick()
			continue
		}

		if bi := DecodeBranch(inst.Raw, inst.Addr); bi != nil && !bi.Cond && !bi.IsRet {
			if bi.Indirect {
				edges = append(edges, CallEdge{
					FromPC: inst.Addr,
					Kind:   "br",
					Reg:    fmt.Sprintf("X%d", bi.Reg),
					Via:    rt.Lookup(bi.Reg),
				})
			} else if symbols != nil {
				// Unconditional B only counts as a tail call when it lands on a
				// known symbol; intra-function jumps have none.
				if e := direct("b", inst.Addr, bi.Target); e.TargetName != "" {
					edges = append(edges, e)
				}
			}
			rt.Reset()
			continue
		}

		var annotation string
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				annotation = s
				break
			}
		}

		rd := dstRegOfInst(inst.Raw)
		rt.Tick()
		if rd < 0 {
			continue
		}
		if annotation != "" {
			rt.Define(rd, annotation)
		} else {
			rt.Kill(rd)
		}
	}

	return edges
}
