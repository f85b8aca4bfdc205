// Package program is the analysis database for one arm64 Mach-O image:
// functions per section, decoded instructions, memory reads and a symbol
// table that accepts renames. It implements stubs.Host.
package program

import (
	"errors"
	"fmt"
	"sort"

	"objcstubs/internal/disasm"
	"objcstubs/internal/machox"
	"objcstubs/internal/stubs"
)

var (
	ErrNameCollision = errors.New("program: name already in use")
	ErrNoFunction    = errors.New("program: no function at address")
)

// DefaultMaxCString bounds selector reads.
const DefaultMaxCString = 4096

// Options controls how the database is built.
type Options struct {
	MaxCString int // 0 = DefaultMaxCString
}

// Program is the loaded analysis database.
type Program struct {
	file *machox.File
	opts Options

	names   map[uint64]string // function address → current name
	owners  map[string]uint64 // name → address
	starts  []uint64          // sorted LC_FUNCTION_STARTS, may be nil
	regions map[string][]stubs.Function
}

// Open loads the Mach-O at path.
func Open(path string, opts Options) (*Program, error) {
	f, err := machox.Open(path)
	if err != nil {
		return nil, err
	}
	p, err := New(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// New builds the database over an open file. The Program takes ownership.
func New(f *machox.File, opts Options) (*Program, error) {
	if opts.MaxCString <= 0 {
		opts.MaxCString = DefaultMaxCString
	}
	p := &Program{
		file:    f,
		opts:    opts,
		names:   make(map[uint64]string),
		owners:  make(map[string]uint64),
		regions: make(map[string][]stubs.Function),
	}

	for _, s := range f.Symbols() {
		if _, taken := p.names[s.Addr]; taken {
			continue
		}
		if _, taken := p.owners[s.Name]; taken {
			continue
		}
		p.names[s.Addr] = s.Name
		p.owners[s.Name] = s.Addr
	}

	starts, err := f.FunctionStarts()
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	p.starts = starts
	return p, nil
}

// Close releases the underlying file.
func (p *Program) Close() error { return p.file.Close() }

// File exposes the loader.
func (p *Program) File() *machox.File { return p.file }

// Section resolves a "SEG,sect" or bare section name.
func (p *Program) Section(name string) (machox.Section, error) {
	return p.file.FindSection(name)
}

// SectionBounds implements stubs.SectionLocator.
func (p *Program) SectionBounds(name string) (start, end uint64, ok bool) {
	s, err := p.file.FindSection(name)
	if err != nil {
		return 0, 0, false
	}
	return s.Addr, s.End(), true
}

// Functions implements stubs.Host. Results are cached per region.
func (p *Program) Functions(region string) ([]stubs.Function, error) {
	if fns, ok := p.regions[region]; ok {
		return p.named(fns), nil
	}
	sec, err := p.file.FindSection(region)
	if errors.Is(err, machox.ErrNoSection) {
		return nil, fmt.Errorf("%w: %s", stubs.ErrRegionNotFound, region)
	}
	if err != nil {
		return nil, err
	}
	data, err := p.file.SectionData(sec)
	if err != nil {
		return nil, fmt.Errorf("program: read %s: %w", sec, err)
	}

	var fns []stubs.Function
	if inSec := p.startsIn(sec); len(inSec) > 0 {
		fns = splitAtStarts(sec, inSec)
	} else {
		fns = splitAtTerminators(sec, data)
	}
	for _, fn := range fns {
		if _, ok := p.names[fn.Addr]; !ok {
			p.names[fn.Addr] = disasm.PlaceholderName(fn.Addr)
		}
	}
	p.regions[region] = fns
	return p.named(fns), nil
}

// named copies fns with current symbol names filled in.
func (p *Program) named(fns []stubs.Function) []stubs.Function {
	out := make([]stubs.Function, len(fns))
	for i, fn := range fns {
		fn.Name = p.names[fn.Addr]
		out[i] = fn
	}
	return out
}

func (p *Program) startsIn(sec machox.Section) []uint64 {
	lo := sort.Search(len(p.starts), func(i int) bool { return p.starts[i] >= sec.Addr })
	hi := sort.Search(len(p.starts), func(i int) bool { return p.starts[i] >= sec.End() })
	return p.starts[lo:hi]
}

// splitAtStarts cuts the section at each function start.
func splitAtStarts(sec machox.Section, starts []uint64) []stubs.Function {
	fns := make([]stubs.Function, 0, len(starts))
	for i, s := range starts {
		end := sec.End()
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		fns = append(fns, stubs.Function{Addr: s, Size: end - s})
	}
	return fns
}

// splitAtTerminators recovers functions without LC_FUNCTION_STARTS: a
// function runs up to its first RET, BR or unconditional B, or up to the
// padding that follows it. Padding itself belongs to no function.
func splitAtTerminators(sec machox.Section, data []byte) []stubs.Function {
	insts := disasm.Disassemble(data, disasm.Options{BaseAddr: sec.Addr})

	var fns []stubs.Function
	start := -1
	for i, inst := range insts {
		if disasm.IsPadding(inst.Raw) {
			if start >= 0 {
				fns = append(fns, stubs.Function{
					Addr: insts[start].Addr,
					Size: uint64(i-start) * 4,
				})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
		if disasm.IsFunctionEnd(inst.Raw) {
			fns = append(fns, stubs.Function{
				Addr: insts[start].Addr,
				Size: uint64(i-start+1) * 4,
			})
			start = -1
		}
	}
	if start >= 0 {
		fns = append(fns, stubs.Function{
			Addr: insts[start].Addr,
			Size: uint64(len(insts)-start) * 4,
		})
	}
	return fns
}

// Instructions implements stubs.Host. Decoding stops after the first
// instruction control cannot fall through, so trailing padding is not part
// of the function.
func (p *Program) Instructions(fn stubs.Function) ([]disasm.Inst, error) {
	data, err := p.file.ReadBytesAtVA(fn.Addr, int(fn.Size))
	if err != nil {
		return nil, err
	}
	insts := disasm.Disassemble(data, disasm.Options{BaseAddr: fn.Addr})
	for i, inst := range insts {
		if disasm.IsFunctionEnd(inst.Raw) {
			return insts[:i+1], nil
		}
	}
	return insts, nil
}

// ReadPointer implements stubs.Host.
func (p *Program) ReadPointer(addr uint64) (uint64, error) {
	return p.file.ReadPointer(addr)
}

// ReadCString implements stubs.Host.
func (p *Program) ReadCString(addr uint64) (string, error) {
	return p.file.ReadCString(addr, p.opts.MaxCString)
}

// Rename implements stubs.Host. Renaming a function to its current name is
// a no-op; a name owned by another address is refused.
func (p *Program) Rename(addr uint64, name string) error {
	old, ok := p.names[addr]
	if !ok {
		return fmt.Errorf("%w 0x%x", ErrNoFunction, addr)
	}
	if old == name {
		return nil
	}
	if other, taken := p.owners[name]; taken && other != addr {
		return fmt.Errorf("%w: %s at 0x%x", ErrNameCollision, name, other)
	}
	delete(p.owners, old)
	p.names[addr] = name
	p.owners[name] = addr
	return nil
}

// SymbolAt returns the current name at addr.
func (p *Program) SymbolAt(addr uint64) (string, bool) {
	name, ok := p.names[addr]
	return name, ok
}

// Lookup adapts SymbolAt to disasm.SymbolLookup.
func (p *Program) Lookup() disasm.SymbolLookup { return p.SymbolAt }

// Symbol is one symbol table entry.
type Symbol struct {
	Addr uint64 `json:"address"`
	Name string `json:"name"`
}

// Symbols returns the symbol table sorted by address.
func (p *Program) Symbols() []Symbol {
	out := make([]Symbol, 0, len(p.names))
	for addr, name := range p.names {
		out = append(out, Symbol{Addr: addr, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// DescribeSlot names what a data slot points at: a symbol, or the C string
// a selector reference leads to. Used for disassembly annotations.
func (p *Program) DescribeSlot(addr uint64) string {
	if name, ok := p.names[addr]; ok {
		return name
	}
	ptr, err := p.file.ReadPointer(addr)
	if err != nil || ptr == 0 {
		return ""
	}
	if name, ok := p.names[ptr]; ok {
		return name
	}
	if sec, ok := p.file.SectionForVA(ptr); ok && sec.Name == "__objc_methname" {
		if s, err := p.ReadCString(ptr); err == nil {
			return fmt.Sprintf("%q", s)
		}
	}
	return ""
}
