// Package output writes objcstubs results to files.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"objcstubs/internal/disasm"
	htmlreport "objcstubs/internal/render"
	"objcstubs/internal/stubs"
)

// Output file names.
const (
	RenamesFile  = "renames.jsonl"
	SymbolsFile  = "symbols.json"
	SymbolMap    = "symbols.txt"
	HostMetaFile = "host_meta.json"
	ReportFile   = "report.json"
	IndexFile    = "index.html"
)

// MetaVersion is the host_meta.json format version.
const MetaVersion = "1"

// SymbolEntry represents a named code address.
type SymbolEntry struct {
	Address uint64 `json:"address"`
	Name    string `json:"name"`
	Size    uint64 `json:"size,omitempty"`
}

// WriteSymbolsJSON writes symbols to symbols.json.
func WriteSymbolsJSON(dir string, symbols []SymbolEntry) error {
	return writeJSON(filepath.Join(dir, SymbolsFile), symbols)
}

// WriteSymbolMap writes "0xADDR name" lines to symbols.txt.
func WriteSymbolMap(dir string, symbols []SymbolEntry) error {
	return writeFile(filepath.Join(dir, SymbolMap), func(w io.Writer) error {
		for _, s := range symbols {
			if _, err := fmt.Fprintf(w, "0x%x %s\n", s.Address, s.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteRenamesJSONL writes one rename per line to renames.jsonl.
func WriteRenamesJSONL(dir string, renames []stubs.Rename) error {
	return writeFile(filepath.Join(dir, RenamesFile), func(w io.Writer) error {
		return EncodeRenames(w, renames)
	})
}

// EncodeRenames writes renames as JSON lines.
func EncodeRenames(w io.Writer, renames []stubs.Rename) error {
	enc := json.NewEncoder(w)
	for _, r := range renames {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("output: encode rename 0x%x: %w", r.Addr, err)
		}
	}
	return nil
}

// WriteReportJSON writes the full pass report to report.json.
func WriteReportJSON(dir string, rep *stubs.Report) error {
	return writeJSON(filepath.Join(dir, ReportFile), rep)
}

// HostMetaFunc is a function entry in host_meta.json.
type HostMetaFunc struct {
	Addr string `json:"addr"`
	Name string `json:"name"`
	Size uint64 `json:"size,omitempty"`
}

// HostMetaComment is a comment entry in host_meta.json.
type HostMetaComment struct {
	Addr string `json:"addr"`
	Text string `json:"text"`
}

// HostMeta is the import file consumed by disassembler scripts: functions
// to (re)name and comments to place at their entry.
type HostMeta struct {
	Version   string            `json:"version"`
	Binary    string            `json:"binary,omitempty"`
	Region    string            `json:"region"`
	Functions []HostMetaFunc    `json:"functions"`
	Comments  []HostMetaComment `json:"comments"`
}

// BuildHostMeta converts a report into import metadata. Every matched
// trampoline gets a function entry and a selector comment.
func BuildHostMeta(binary string, rep *stubs.Report, sizes map[uint64]uint64) HostMeta {
	meta := HostMeta{
		Version:   MetaVersion,
		Binary:    binary,
		Region:    rep.Region,
		Functions: []HostMetaFunc{},
		Comments:  []HostMetaComment{},
	}
	for _, r := range rep.Renames() {
		addr := fmt.Sprintf("0x%x", r.Addr)
		meta.Functions = append(meta.Functions, HostMetaFunc{Addr: addr, Name: r.NewName, Size: sizes[r.Addr]})
		meta.Comments = append(meta.Comments, HostMetaComment{
			Addr: addr,
			Text: fmt.Sprintf("objc stub: selector %q via selref 0x%x", r.Selector, r.SelRef),
		})
	}
	return meta
}

// WriteHostMeta writes host_meta.json.
func WriteHostMeta(dir string, meta HostMeta) error {
	return writeJSON(filepath.Join(dir, HostMetaFile), meta)
}

// WriteDOT renders a call graph to <name>.dot.
func WriteDOT(dir, name, title string, g *lattice.Graph) error {
	return os.WriteFile(filepath.Join(dir, name+".dot"), []byte(render.DOT(g, title)), 0644)
}

// WriteCFGDOT renders control flow graphs to <name>.dot.
func WriteCFGDOT(dir, name, title string, cfg *lattice.CFGGraph) error {
	return os.WriteFile(filepath.Join(dir, name+".dot"), []byte(render.DOTCFG(cfg, title)), 0644)
}

// WriteIndexHTML writes the HTML summary of rep to index.html.
func WriteIndexHTML(dir, title string, rep *stubs.Report, graphs []string) error {
	return writeFile(filepath.Join(dir, IndexFile), func(w io.Writer) error {
		return htmlreport.WriteIndexHTML(w, title, rep, graphs)
	})
}

// WriteASM writes disassembled instructions to asm/<name>.txt, with name
// passed through SanitizeFilename.
func WriteASM(dir string, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", SanitizeFilename(name)+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
	"\x00", "_",
)

// maxFilename leaves room for an extension under the usual 255-byte limit.
const maxFilename = 200

// SanitizeFilename makes a symbol name safe for use as a single path element.
func SanitizeFilename(name string) string {
	s := filenameReplacer.Replace(name)
	if len(s) > maxFilename {
		s = s[:maxFilename]
	}
	switch s {
	case "", ".", "..":
		s = "_" + s
	}
	return s
}

func writeJSON(path string, v any) error {
	return writeFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("output: encode %s: %w", path, err)
		}
		return nil
	})
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return f.Close()
}
