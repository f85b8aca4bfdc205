package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"objcstubs/internal/disasm"
	"objcstubs/internal/program"
	"objcstubs/internal/stubs"
)

// DefaultWindow is the register provenance window used for BR/BLR edges.
const DefaultWindow = 8

// FuncInfo holds the data needed to build call graph and CFG for one function.
type FuncInfo struct {
	Name      string
	Addr      uint64
	Insts     []disasm.Inst
	CallEdges []disasm.CallEdge
}

// Collect disassembles every function of region and extracts its call
// edges. Indirect branches are labelled with the slot their register was
// loaded from, so a trampoline's BR x16 reads as a call to the dispatch
// routine.
func Collect(p *program.Program, region string) ([]FuncInfo, error) {
	fns, err := p.Functions(region)
	if err != nil {
		return nil, err
	}
	var out []FuncInfo
	for _, fn := range fns {
		insts, err := p.Instructions(fn)
		if err != nil {
			return nil, fmt.Errorf("callgraph: %s: %w", fn.Name, err)
		}
		ann := disasm.PageAnnotator(insts, p.DescribeSlot)
		out = append(out, FuncInfo{
			Name:      fn.Name,
			Addr:      fn.Addr,
			Insts:     insts,
			CallEdges: disasm.ExtractCallEdges(insts, p.Lookup(), []disasm.Annotator{ann}, DefaultWindow),
		})
	}
	return out, nil
}

// BuildCallGraph constructs a lattice.Graph from disassembled functions.
// Each function becomes a node. Each resolved call edge becomes an edge.
// Unresolved BLR/BR targets (no TargetName or Via) are skipped.
func BuildCallGraph(funcs []FuncInfo) *lattice.Graph {
	g := &lattice.Graph{}
	for _, f := range funcs {
		g.Nodes = append(g.Nodes, f.Name)
		for _, e := range f.CallEdges {
			callee := calleeName(e)
			if callee == "" {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: f.Name,
				Callee: callee,
			})
		}
	}
	g.Dedup()
	return g
}

// DispatchResolver names a trampoline's dispatch target. slot is the
// pointer slot (direct=false) or the branch target (direct=true).
type DispatchResolver func(addr uint64, direct bool) string

// ProgramDispatch resolves dispatch targets against p's symbol table,
// following the slot pointer for indirect trampolines.
func ProgramDispatch(p *program.Program) DispatchResolver {
	return func(addr uint64, direct bool) string {
		if !direct {
			ptr, err := p.ReadPointer(addr)
			if err != nil {
				return ""
			}
			addr = ptr
		}
		name, _ := p.SymbolAt(addr)
		return name
	}
}

// BuildStubGraph links every renamed trampoline to the routine it jumps to.
// Unknown targets are shown by address.
func BuildStubGraph(renames []stubs.Rename, resolve DispatchResolver) *lattice.Graph {
	g := &lattice.Graph{}
	for _, r := range renames {
		callee := ""
		if resolve != nil {
			callee = resolve(r.Dispatch, r.Direct)
		}
		if callee == "" {
			callee = fmt.Sprintf("0x%x", r.Dispatch)
		}
		g.Nodes = append(g.Nodes, r.NewName)
		g.Edges = append(g.Edges, lattice.Edge{Caller: r.NewName, Callee: callee})
	}
	g.Dedup()
	return g
}

// calleeName picks the best label for an edge: the symbol, then the
// register provenance.
func calleeName(e disasm.CallEdge) string {
	if e.TargetName != "" {
		return e.TargetName
	}
	return e.Via
}
