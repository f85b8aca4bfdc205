// Package disasm provides ARM64 disassembly for Mach-O code regions.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Inst is a decoded ARM64 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      uint32
	Size     int // always 4 for ARM64
	Op       arm64asm.Op
	Args     arm64asm.Args
	Valid    bool // false when the word did not decode
	Mnemonic string
	Operands string
	Text     string // full disassembly line
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64 // VA of the first byte in Data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Decode decodes the single instruction word raw located at addr.
// Words that fail to decode come back as ".word" with Valid unset.
func Decode(raw uint32, addr uint64) Inst {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], raw)

	inst := Inst{Addr: addr, Raw: raw, Size: 4}
	dec, err := arm64asm.Decode(buf[:])
	if err != nil {
		inst.Mnemonic = ".word"
		inst.Operands = fmt.Sprintf("0x%08x", raw)
		inst.Text = fmt.Sprintf(".word 0x%08x", raw)
		return inst
	}

	inst.Op = dec.Op
	inst.Args = dec.Args
	inst.Valid = true
	inst.Text = dec.String()
	parts := strings.SplitN(inst.Text, " ", 2)
	inst.Mnemonic = parts[0]
	if len(parts) > 1 {
		inst.Operands = parts[1]
	}
	return inst
}

// Disassemble decodes ARM64 instructions from a byte region.
// Returns decoded instructions up to MaxSteps or end of data.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	n := len(data) / 4
	if n > maxSteps {
		n = maxSteps
	}

	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := binary.LittleEndian.Uint32(data[off : off+4])
		result = append(result, Decode(raw, opts.BaseAddr+uint64(off)))
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%09x  ", inst.Addr)
		fmt.Fprintf(&b, "%02x %02x %02x %02x  ",
			byte(inst.Raw), byte(inst.Raw>>8), byte(inst.Raw>>16), byte(inst.Raw>>24))
		b.WriteString(inst.Text)

		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DisasmOne decodes a single ARM64 instruction from its raw encoding.
// Returns the disassembly text, or "" if decoding fails.
func DisasmOne(raw uint32, addr uint64) string {
	inst := Decode(raw, addr)
	if !inst.Valid {
		return ""
	}
	return inst.Text
}

// PlaceholderLookup returns a SymbolLookup backed by a fixed address → name map.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}

// PlaceholderName is the name given to a function with no symbol.
func PlaceholderName(addr uint64) string {
	return fmt.Sprintf("sub_%x", addr)
}
