package stubs

import (
	"errors"
	"fmt"

	"objcstubs/internal/disasm"
	"objcstubs/internal/machox/machotest"
)

var (
	errUnmapped  = errors.New("fake: unmapped")
	errCollision = errors.New("fake: name in use")
)

// fakeHost is an in-memory Host. Each function's body is a list of raw
// instruction words decoded at the function's address.
type fakeHost struct {
	region  string
	funcs   []Function
	code    map[uint64][]uint32
	ptrs    map[uint64]uint64
	strs    map[uint64]string
	names   map[uint64]string
	renames []string
	meth    [2]uint64 // methname bounds; zero = unknown
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		region: DefaultRegion,
		code:   make(map[uint64][]uint32),
		ptrs:   make(map[uint64]uint64),
		strs:   make(map[uint64]string),
		names:  make(map[uint64]string),
	}
}

// addFunc registers a function at addr with the given body.
func (h *fakeHost) addFunc(addr uint64, words ...uint32) {
	name := disasm.PlaceholderName(addr)
	h.funcs = append(h.funcs, Function{Addr: addr, Size: uint64(len(words) * 4), Name: name})
	h.code[addr] = words
	h.names[addr] = name
}

// addStub registers the canonical fast stub at addr loading selref, whose
// pointer leads to sel at selAddr.
func (h *fakeHost) addStub(addr, selref, selAddr uint64, sel string) {
	h.addFunc(addr, fastStub(addr, selref)...)
	h.ptrs[selref] = selAddr
	h.strs[selAddr] = sel
}

func fastStub(pc, selref uint64) []uint32 {
	return []uint32{
		machotest.ADRP(1, pc, selref&^0xFFF),
		machotest.LDR(1, 1, selref&0xFFF),
		machotest.ADRP(16, pc+8, machotest.GOTAddr&^0xFFF),
		machotest.LDR(16, 16, machotest.GOTAddr&0xFFF),
		machotest.BR(16),
	}
}

func (h *fakeHost) Functions(region string) ([]Function, error) {
	if region != h.region {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}
	out := make([]Function, len(h.funcs))
	for i, fn := range h.funcs {
		fn.Name = h.names[fn.Addr]
		out[i] = fn
	}
	return out, nil
}

func (h *fakeHost) Instructions(fn Function) ([]disasm.Inst, error) {
	words := h.code[fn.Addr]
	insts := make([]disasm.Inst, len(words))
	for i, w := range words {
		insts[i] = disasm.Decode(w, fn.Addr+uint64(i)*4)
	}
	return insts, nil
}

func (h *fakeHost) ReadPointer(addr uint64) (uint64, error) {
	v, ok := h.ptrs[addr]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", errUnmapped, addr)
	}
	return v, nil
}

func (h *fakeHost) ReadCString(addr uint64) (string, error) {
	s, ok := h.strs[addr]
	if !ok {
		return "", fmt.Errorf("%w: 0x%x", errUnmapped, addr)
	}
	return s, nil
}

func (h *fakeHost) Rename(addr uint64, name string) error {
	if h.names[addr] == name {
		return nil
	}
	for a, n := range h.names {
		if n == name && a != addr {
			return errCollision
		}
	}
	h.names[addr] = name
	h.renames = append(h.renames, name)
	return nil
}

// locatingHost adds section bounds to fakeHost.
type locatingHost struct{ *fakeHost }

func (h locatingHost) SectionBounds(name string) (uint64, uint64, bool) {
	if name != DefaultMethnameSection || h.meth[1] == 0 {
		return 0, 0, false
	}
	return h.meth[0], h.meth[1], true
}
