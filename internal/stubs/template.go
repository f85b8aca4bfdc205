package stubs

import (
	"errors"
	"fmt"
	"strings"

	"objcstubs/internal/disasm"
)

// ErrMismatch is returned by Template.Match when a function does not have
// the template's shape. It is the common case and not a failure.
var ErrMismatch = errors.New("stubs: not a trampoline")

// Role is a symbolic register bound during matching. The first step that
// names a role binds it to a physical register; later steps must use the
// same register, and no two roles may share one.
type Role int

// Register roles used by the built-in templates.
const (
	RoleNone Role = iota
	RoleSel       // receives the selector
	RoleFn        // receives the dispatch routine
)

func (r Role) String() string {
	switch r {
	case RoleSel:
		return "sel"
	case RoleFn:
		return "fn"
	}
	return fmt.Sprintf("r%d", int(r))
}

// Capture names a value a step contributes to the match.
type Capture int

const (
	CaptureNone     Capture = iota
	CaptureSelector         // address of the selector reference slot
	CaptureDispatch         // address of the dispatch pointer slot, or the branch target
)

// StepKind is the operation kind a step accepts.
type StepKind int

const (
	// StepPageBase is ADRP Dst, page.
	StepPageBase StepKind = iota + 1
	// StepLoadSlot is LDR Dst, [Base, #off] where Base holds a page.
	StepLoadSlot
	// StepBranchReg is BR Dst, where Dst was loaded by an earlier step.
	StepBranchReg
	// StepBranch is B label.
	StepBranch
)

func (k StepKind) String() string {
	switch k {
	case StepPageBase:
		return "ADRP"
	case StepLoadSlot:
		return "LDR"
	case StepBranchReg:
		return "BR"
	case StepBranch:
		return "B"
	}
	return "?"
}

// Step is one instruction constraint.
type Step struct {
	Kind    StepKind
	Dst     Role
	Base    Role
	Capture Capture
}

// Template is a declarative trampoline shape: one step per instruction.
type Template struct {
	Name  string
	Steps []Step
}

// MsgSend is the 32-byte __objc_stubs trampoline emitted by ld64 for arm64:
//
//	adrp x1, selref@PAGE
//	ldr  x1, [x1, selref@PAGEOFF]
//	adrp x16, _objc_msgSend@GOTPAGE
//	ldr  x16, [x16, _objc_msgSend@GOTPAGEOFF]
//	br   x16
var MsgSend = Template{
	Name: "arm64-msgsend",
	Steps: []Step{
		{Kind: StepPageBase, Dst: RoleSel},
		{Kind: StepLoadSlot, Dst: RoleSel, Base: RoleSel, Capture: CaptureSelector},
		{Kind: StepPageBase, Dst: RoleFn},
		{Kind: StepLoadSlot, Dst: RoleFn, Base: RoleFn, Capture: CaptureDispatch},
		{Kind: StepBranchReg, Dst: RoleFn},
	},
}

// MsgSendSmall is the 12-byte stub emitted with -objc_stubs_small:
//
//	adrp x1, selref@PAGE
//	ldr  x1, [x1, selref@PAGEOFF]
//	b    _objc_msgSend
var MsgSendSmall = Template{
	Name: "arm64-msgsend-small",
	Steps: []Step{
		{Kind: StepPageBase, Dst: RoleSel},
		{Kind: StepLoadSlot, Dst: RoleSel, Base: RoleSel, Capture: CaptureSelector},
		{Kind: StepBranch, Capture: CaptureDispatch},
	},
}

var builtin = []Template{MsgSend, MsgSendSmall}

// DefaultTemplates is the template set used when none is configured.
func DefaultTemplates() []Template { return []Template{MsgSend} }

// TemplateNames lists the built-in template names.
func TemplateNames() []string {
	names := make([]string, len(builtin))
	for i, t := range builtin {
		names[i] = t.Name
	}
	return names
}

// LookupTemplates resolves built-in template names.
func LookupTemplates(names []string) ([]Template, error) {
	var out []Template
next:
	for _, n := range names {
		for _, t := range builtin {
			if t.Name == n {
				out = append(out, t)
				continue next
			}
		}
		return nil, fmt.Errorf("stubs: unknown template %q (have %s)", n, strings.Join(TemplateNames(), ", "))
	}
	return out, nil
}

// Match is a successful template match.
type Match struct {
	Template string
	SelRef   uint64 // slot holding the selector pointer
	Dispatch uint64 // slot holding the dispatch pointer, or the branch target
	Direct   bool   // Dispatch is a branch target rather than a slot
	Regs     map[Role]int
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMismatch, fmt.Sprintf(format, args...))
}

type binder struct {
	regs  map[Role]int
	owner map[int]Role
}

func (b *binder) bind(role Role, reg int) bool {
	if reg == disasm.RegZR {
		return false
	}
	if r, ok := b.regs[role]; ok {
		return r == reg
	}
	if o, ok := b.owner[reg]; ok && o != role {
		return false
	}
	b.regs[role] = reg
	b.owner[reg] = role
	return true
}

// Match checks insts against the template. Any deviation returns an error
// wrapping ErrMismatch that says which step failed.
func (t Template) Match(insts []disasm.Inst) (Match, error) {
	if len(insts) != len(t.Steps) {
		return Match{}, mismatch("%d instructions, want %d", len(insts), len(t.Steps))
	}

	b := binder{regs: make(map[Role]int), owner: make(map[int]Role)}
	pages := make(map[Role]uint64)
	loaded := make(map[Role]bool)
	m := Match{Template: t.Name}
	captured := make(map[Capture]bool)

	capture := func(c Capture, v uint64, direct bool) {
		switch c {
		case CaptureSelector:
			m.SelRef = v
		case CaptureDispatch:
			m.Dispatch = v
			m.Direct = direct
		}
		if c != CaptureNone {
			captured[c] = true
		}
	}

	for i, step := range t.Steps {
		inst := insts[i]
		switch step.Kind {
		case StepPageBase:
			rd, page, ok := disasm.PageBase(inst)
			if !ok {
				return Match{}, mismatch("step %d: want ADRP, got %s", i, inst.Text)
			}
			if !b.bind(step.Dst, rd) {
				return Match{}, mismatch("step %d: X%d does not fit role %s", i, rd, step.Dst)
			}
			pages[step.Dst] = page
			delete(loaded, step.Dst)

		case StepLoadSlot:
			rt, rn, off, ok := disasm.LoadUnsigned(inst)
			if !ok {
				return Match{}, mismatch("step %d: want LDR Xt, [Xn, #imm], got %s", i, inst.Text)
			}
			if !b.bind(step.Base, rn) {
				return Match{}, mismatch("step %d: base X%d does not fit role %s", i, rn, step.Base)
			}
			page, ok := pages[step.Base]
			if !ok {
				return Match{}, mismatch("step %d: base %s holds no page", i, step.Base)
			}
			if !b.bind(step.Dst, rt) {
				return Match{}, mismatch("step %d: X%d does not fit role %s", i, rt, step.Dst)
			}
			delete(pages, step.Dst)
			loaded[step.Dst] = true
			capture(step.Capture, page+off, false)

		case StepBranchReg:
			rn, ok := disasm.BranchRegister(inst)
			if !ok {
				return Match{}, mismatch("step %d: want BR, got %s", i, inst.Text)
			}
			if !b.bind(step.Dst, rn) || !loaded[step.Dst] {
				return Match{}, mismatch("step %d: BR X%d does not use loaded role %s", i, rn, step.Dst)
			}

		case StepBranch:
			target, ok := disasm.BranchImm(inst)
			if !ok {
				return Match{}, mismatch("step %d: want B, got %s", i, inst.Text)
			}
			capture(step.Capture, target, true)

		default:
			return Match{}, fmt.Errorf("stubs: template %s step %d: bad kind %d", t.Name, i, step.Kind)
		}
	}

	if !captured[CaptureSelector] {
		return Match{}, fmt.Errorf("stubs: template %s captures no selector", t.Name)
	}
	m.Regs = b.regs
	return m, nil
}
