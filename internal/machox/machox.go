// Package machox provides Mach-O loading helpers for arm64 binaries.
package machox

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var (
	ErrNotMachO     = errors.New("machox: not a Mach-O file")
	ErrNotARM64     = errors.New("machox: not arm64")
	ErrNot64Bit     = errors.New("machox: not a 64-bit Mach-O")
	ErrNoSection    = errors.New("machox: section not found")
	ErrNoSegment    = errors.New("machox: no segment covers address")
	ErrNoData       = errors.New("machox: address has no file backing")
	ErrUnterminated = errors.New("machox: unterminated C string")
	ErrBoundPointer = errors.New("machox: pointer is a bind, not a rebase")
)

// Load command numbers debug/macho leaves as raw bytes.
const (
	lcFunctionStarts    = 0x26
	lcDyldChainedFixups = 0x80000034
)

// File wraps a debug/macho.File with convenience methods for stub analysis.
type File struct {
	Macho *macho.File
	Path  string

	closer  io.Closer
	base    uint64 // vmaddr of __TEXT
	chained bool
	lc      map[uint32][]byte
}

// Section describes one Mach-O section.
type Section struct {
	Seg    string
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint32
}

// Contains reports whether va falls inside the section.
func (s Section) Contains(va uint64) bool {
	return va >= s.Addr && va < s.Addr+s.Size
}

// End returns the first address past the section.
func (s Section) End() uint64 { return s.Addr + s.Size }

// String renders the section as "SEG,sect".
func (s Section) String() string { return s.Seg + "," + s.Name }

// Open opens a Mach-O file and validates it is arm64. Universal binaries are
// accepted and the arm64 slice is selected.
func Open(path string) (*File, error) {
	mf, err := macho.Open(path)
	if err == nil {
		f, err := newFile(mf, mf, path)
		if err != nil {
			mf.Close()
			return nil, err
		}
		return f, nil
	}

	ff, ferr := macho.OpenFat(path)
	if ferr != nil {
		if errors.Is(ferr, macho.ErrNotFat) {
			return nil, fmt.Errorf("%w: %v", ErrNotMachO, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotMachO, ferr)
	}
	for _, arch := range ff.Arches {
		if arch.Cpu == macho.CpuArm64 {
			f, err := newFile(arch.File, ff, path)
			if err != nil {
				ff.Close()
				return nil, err
			}
			return f, nil
		}
	}
	ff.Close()
	return nil, fmt.Errorf("%w: no arm64 slice in universal binary", ErrNotARM64)
}

// NewFile wraps an already parsed Mach-O image. Close on the returned File
// closes c when it is non-nil.
func NewFile(mf *macho.File, c io.Closer) (*File, error) {
	return newFile(mf, c, "")
}

func newFile(mf *macho.File, c io.Closer, path string) (*File, error) {
	if mf.Magic != macho.Magic64 {
		return nil, ErrNot64Bit
	}
	if mf.Cpu != macho.CpuArm64 {
		return nil, fmt.Errorf("%w: cpu %v", ErrNotARM64, mf.Cpu)
	}

	f := &File{Macho: mf, Path: path, closer: c, lc: make(map[uint32][]byte)}
	if seg := mf.Segment("__TEXT"); seg != nil {
		f.base = seg.Addr
	}
	for _, l := range mf.Loads {
		raw := l.Raw()
		if len(raw) < 8 {
			continue
		}
		cmd := mf.ByteOrder.Uint32(raw[0:4])
		switch cmd {
		case lcFunctionStarts, lcDyldChainedFixups:
			f.lc[cmd] = raw
		}
	}
	_, f.chained = f.lc[lcDyldChainedFixups]
	return f, nil
}

// Close releases resources.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// BaseAddress returns the vmaddr of the __TEXT segment.
func (f *File) BaseAddress() uint64 { return f.base }

// ByteOrder returns the Mach-O byte order.
func (f *File) ByteOrder() binary.ByteOrder { return f.Macho.ByteOrder }

// Sections returns every section in load-command order.
func (f *File) Sections() []Section {
	out := make([]Section, 0, len(f.Macho.Sections))
	for _, s := range f.Macho.Sections {
		out = append(out, toSection(s))
	}
	return out
}

func toSection(s *macho.Section) Section {
	return Section{Seg: s.Seg, Name: s.Name, Addr: s.Addr, Size: s.Size, Offset: s.Offset}
}

// Section returns the section with the given segment and section names.
func (f *File) Section(seg, name string) (Section, error) {
	for _, s := range f.Macho.Sections {
		if s.Seg == seg && s.Name == name {
			return toSection(s), nil
		}
	}
	return Section{}, fmt.Errorf("%w: %s,%s", ErrNoSection, seg, name)
}

// FindSection resolves "SEG,sect" exactly, or a bare "sect" against any
// segment (first match in load-command order).
func (f *File) FindSection(region string) (Section, error) {
	if seg, name, ok := strings.Cut(region, ","); ok {
		return f.Section(seg, name)
	}
	for _, s := range f.Macho.Sections {
		if s.Name == region {
			return toSection(s), nil
		}
	}
	return Section{}, fmt.Errorf("%w: %s", ErrNoSection, region)
}

// SectionForVA returns the section containing va.
func (f *File) SectionForVA(va uint64) (Section, bool) {
	for _, s := range f.Macho.Sections {
		if va >= s.Addr && va < s.Addr+s.Size {
			return toSection(s), true
		}
	}
	return Section{}, false
}

// SectionData returns the file-backed bytes of a section.
func (f *File) SectionData(s Section) ([]byte, error) {
	return f.ReadBytesAtVA(s.Addr, int(s.Size))
}

func (f *File) segmentFor(va uint64) (*macho.Segment, error) {
	for _, l := range f.Macho.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok {
			continue
		}
		if va >= seg.Addr && va < seg.Addr+seg.Memsz {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads up to n bytes starting at the given virtual address.
// The read is clamped to the file-backed part of the containing segment.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	seg, err := f.segmentFor(va)
	if err != nil {
		return nil, err
	}
	rel := va - seg.Addr
	if rel >= seg.Filesz {
		return nil, fmt.Errorf("%w: VA 0x%x in zero-fill part of %s", ErrNoData, va, seg.Name)
	}
	if avail := seg.Filesz - rel; uint64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	read, err := seg.ReadAt(buf, int64(rel))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("machox: read at VA 0x%x: %w", va, err)
	}
	return buf[:read], nil
}

// ReadPointer reads a pointer-sized value at va. When the image uses chained
// fixups the raw value is decoded as a rebase entry.
func (f *File) ReadPointer(va uint64) (uint64, error) {
	buf, err := f.ReadBytesAtVA(va, 8)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, fmt.Errorf("%w: short pointer at VA 0x%x", ErrNoData, va)
	}
	raw := f.Macho.ByteOrder.Uint64(buf)
	if !f.chained {
		return raw, nil
	}
	return f.decodeChained(raw)
}

// decodeChained decodes a DYLD_CHAINED_PTR_64 / _64_OFFSET rebase. The low
// 36 bits are the target, bits 36..43 the high byte, bit 63 the bind flag.
// Targets below the image base are image offsets.
func (f *File) decodeChained(raw uint64) (uint64, error) {
	if raw>>63 != 0 {
		return 0, fmt.Errorf("%w: 0x%x", ErrBoundPointer, raw)
	}
	target := raw & 0xF_FFFF_FFFF
	high8 := (raw >> 36) & 0xFF
	if target < f.base {
		target += f.base
	}
	return target | high8<<56, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes at va.
func (f *File) ReadCString(va uint64, max int) (string, error) {
	buf, err := f.ReadBytesAtVA(va, max+1)
	if err != nil {
		return "", err
	}
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", fmt.Errorf("%w at VA 0x%x", ErrUnterminated, va)
	}
	return string(buf[:i]), nil
}

// Symbol is a defined symbol from LC_SYMTAB.
type Symbol struct {
	Name string
	Addr uint64
}

// Symbols returns defined, non-debug symbols sorted by address.
func (f *File) Symbols() []Symbol {
	if f.Macho.Symtab == nil {
		return nil
	}
	var out []Symbol
	for _, s := range f.Macho.Symtab.Syms {
		if s.Type&0xE0 != 0 { // N_STAB
			continue
		}
		if s.Type&0x0E != 0x0E { // N_SECT
			continue
		}
		if s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Addr: s.Value})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// FunctionStarts decodes LC_FUNCTION_STARTS into absolute addresses.
// Returns nil when the command is absent.
func (f *File) FunctionStarts() ([]uint64, error) {
	raw, ok := f.lc[lcFunctionStarts]
	if !ok {
		return nil, nil
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("machox: short LC_FUNCTION_STARTS")
	}
	bo := f.Macho.ByteOrder
	dataoff := bo.Uint32(raw[8:12])
	datasize := bo.Uint32(raw[12:16])

	linkedit := f.Macho.Segment("__LINKEDIT")
	if linkedit == nil {
		return nil, fmt.Errorf("%w: __LINKEDIT", ErrNoSegment)
	}
	if uint64(dataoff) < linkedit.Offset {
		return nil, fmt.Errorf("machox: function starts at 0x%x before __LINKEDIT", dataoff)
	}
	data := make([]byte, datasize)
	if _, err := linkedit.ReadAt(data, int64(uint64(dataoff)-linkedit.Offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("machox: read function starts: %w", err)
	}

	var starts []uint64
	addr := f.base
	for off := 0; off < len(data); {
		delta, n := uleb128(data[off:])
		if n == 0 {
			return nil, fmt.Errorf("machox: bad ULEB128 in function starts at +%d", off)
		}
		off += n
		if delta == 0 {
			break
		}
		addr += delta
		starts = append(starts, addr)
	}
	return starts, nil
}

func uleb128(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		if shift >= 64 {
			return 0, 0
		}
		v |= uint64(c&0x7F) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
