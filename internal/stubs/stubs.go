// Package stubs recognizes Objective-C msgSend trampolines and renames them
// to _objc_msgSend$<selector>.
//
// The recognizer only sees the binary through Host: it asks for the
// functions of one code region, matches each function's instructions against
// a set of declarative templates, resolves the selector the stub loads, and
// asks the host to rename the function. Candidates that do not match or
// cannot be resolved are skipped; nothing aborts the scan except context
// cancellation.
package stubs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"objcstubs/internal/disasm"
)

// DefaultPrefix is prepended to the selector to form the new name.
const DefaultPrefix = "_objc_msgSend$"

// DefaultRegion is the section ld64 places trampolines in.
const DefaultRegion = "__TEXT,__objc_stubs"

// DefaultMethnameSection holds selector strings.
const DefaultMethnameSection = "__TEXT,__objc_methname"

var (
	// ErrRegionNotFound is returned by Host.Functions when the binary has no
	// such region. The pass treats it as an empty region.
	ErrRegionNotFound = errors.New("stubs: region not found")

	ErrMalformedSelector = errors.New("stubs: malformed selector")
	ErrOutsideMethname   = errors.New("stubs: selector outside methname section")
)

// Function is a host-owned routine.
type Function struct {
	Addr uint64
	Size uint64
	Name string
}

// Host is the analysis database the pass runs against.
type Host interface {
	// Functions lists the functions inside region in address order.
	Functions(region string) ([]Function, error)
	// Instructions returns fn's decoded instructions in order.
	Instructions(fn Function) ([]disasm.Inst, error)
	// ReadPointer reads a pointer-sized value.
	ReadPointer(addr uint64) (uint64, error)
	// ReadCString reads a NUL-terminated string.
	ReadCString(addr uint64) (string, error)
	// Rename gives the function at addr a new name.
	Rename(addr uint64, name string) error
}

// SectionLocator is implemented by hosts that can report section bounds.
// It enables the methname check.
type SectionLocator interface {
	SectionBounds(name string) (start, end uint64, ok bool)
}

// Options configures a Pass.
type Options struct {
	Region          string
	Prefix          string
	Templates       []Template
	RequireMethname bool
	MethnameSection string
	Logger          *zerolog.Logger // nil disables logging
}

// Pass is one recognition run over a region.
type Pass struct {
	opts Options
	log  zerolog.Logger
}

// NewPass fills unset options with defaults.
func NewPass(opts Options) *Pass {
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if len(opts.Templates) == 0 {
		opts.Templates = DefaultTemplates()
	}
	if opts.MethnameSection == "" {
		opts.MethnameSection = DefaultMethnameSection
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "stubs").Str("region", opts.Region).Logger()
	}
	return &Pass{opts: opts, log: log}
}

// Plan matches and resolves every candidate without renaming anything.
func (p *Pass) Plan(ctx context.Context, host Host) (*Report, error) {
	return p.run(ctx, host, false)
}

// Run matches, resolves and renames.
func (p *Pass) Run(ctx context.Context, host Host) (*Report, error) {
	return p.run(ctx, host, true)
}

func (p *Pass) run(ctx context.Context, host Host, apply bool) (*Report, error) {
	rep := &Report{Region: p.opts.Region, Applied: apply}

	funcs, err := host.Functions(p.opts.Region)
	if errors.Is(err, ErrRegionNotFound) {
		p.log.Info().Msg("region not present, nothing to rename")
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stubs: list functions: %w", err)
	}
	rep.RegionFound = true

	var methStart, methEnd uint64
	checkMeth := false
	if p.opts.RequireMethname {
		if loc, ok := host.(SectionLocator); ok {
			methStart, methEnd, checkMeth = loc.SectionBounds(p.opts.MethnameSection)
		}
	}

	for _, fn := range funcs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		c := Candidate{Addr: fn.Addr, Name: fn.Name}
		r, err := p.resolve(host, fn)
		switch {
		case errors.Is(err, ErrMismatch):
			c.Outcome = OutcomeMismatch
			c.Reason = err.Error()
			p.log.Debug().Uint64("addr", fn.Addr).Str("func", fn.Name).Err(err).Msg("skip")
			rep.Candidates = append(rep.Candidates, c)
			continue
		case err == nil && checkMeth:
			ptr := r.SelectorAddr
			if ptr < methStart || ptr >= methEnd {
				err = fmt.Errorf("%w: 0x%x", ErrOutsideMethname, ptr)
			}
		}
		if err != nil {
			c.Outcome = OutcomeUnresolved
			c.Reason = err.Error()
			p.log.Warn().Uint64("addr", fn.Addr).Str("func", fn.Name).Err(err).Msg("trampoline selector unresolved")
			rep.Candidates = append(rep.Candidates, c)
			continue
		}

		c.Rename = &r
		c.Outcome = OutcomePlanned
		if apply {
			if err := host.Rename(fn.Addr, r.NewName); err != nil {
				c.Outcome = OutcomeRejected
				c.Reason = err.Error()
				p.log.Warn().Uint64("addr", fn.Addr).Str("name", r.NewName).Err(err).Msg("rename rejected")
			} else {
				c.Outcome = OutcomeRenamed
				p.log.Debug().Uint64("addr", fn.Addr).Str("from", fn.Name).Str("to", r.NewName).Msg("renamed")
			}
		}
		rep.Candidates = append(rep.Candidates, c)
	}

	p.log.Info().
		Int("candidates", len(rep.Candidates)).
		Int("renamed", rep.Count(OutcomeRenamed)).
		Int("planned", rep.Count(OutcomePlanned)).
		Int("unresolved", rep.Count(OutcomeUnresolved)).
		Int("rejected", rep.Count(OutcomeRejected)).
		Msg("trampoline pass done")
	return rep, nil
}

// resolve matches fn and builds its rename.
func (p *Pass) resolve(host Host, fn Function) (Rename, error) {
	insts, err := host.Instructions(fn)
	if err != nil {
		return Rename{}, fmt.Errorf("stubs: instructions: %w", err)
	}

	var m Match
	err = ErrMismatch
	for _, t := range p.opts.Templates {
		if m, err = t.Match(insts); err == nil {
			break
		}
		if !errors.Is(err, ErrMismatch) {
			return Rename{}, err
		}
	}
	if err != nil {
		return Rename{}, err
	}

	selPtr, err := host.ReadPointer(m.SelRef)
	if err != nil {
		return Rename{}, fmt.Errorf("stubs: selref 0x%x: %w", m.SelRef, err)
	}
	sel, err := host.ReadCString(selPtr)
	if err != nil {
		return Rename{}, fmt.Errorf("stubs: selector at 0x%x: %w", selPtr, err)
	}
	if err := ValidSelector(sel); err != nil {
		return Rename{}, err
	}

	return Rename{
		Addr:         fn.Addr,
		OldName:      fn.Name,
		NewName:      p.opts.Prefix + sel,
		Selector:     sel,
		SelRef:       m.SelRef,
		SelectorAddr: selPtr,
		Dispatch:     m.Dispatch,
		Direct:       m.Direct,
		Template:     m.Template,
	}, nil
}

// ValidSelector rejects empty selectors and ones with control bytes.
func ValidSelector(sel string) error {
	if sel == "" {
		return fmt.Errorf("%w: empty", ErrMalformedSelector)
	}
	for i := 0; i < len(sel); i++ {
		if c := sel[i]; c < 0x20 || c == 0x7F {
			return fmt.Errorf("%w: control byte 0x%02x at %d", ErrMalformedSelector, c, i)
		}
	}
	return nil
}
