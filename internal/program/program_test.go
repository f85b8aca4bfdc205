package program

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"objcstubs/internal/disasm"
	"objcstubs/internal/machox/machotest"
	"objcstubs/internal/stubs"
)

func openFixture(t *testing.T, fx machotest.StubFixture) *Program {
	t.Helper()
	path := machotest.WriteFile(t, "fixture", fx.Image().Bytes())
	p, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFunctionsSplitAtTerminators(t *testing.T) {
	fx := machotest.StubFixture{Selectors: []string{"window", "release"}}
	p := openFixture(t, fx)

	fns, err := p.Functions(stubs.DefaultRegion)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	for i, fn := range fns {
		assert.Equal(t, fx.StubAddr(i), fn.Addr)
		assert.Equal(t, uint64(20), fn.Size, "padding is not part of the stub")
		assert.Equal(t, disasm.PlaceholderName(fx.StubAddr(i)), fn.Name)
	}
}

func TestFunctionsUseFunctionStarts(t *testing.T) {
	fx := machotest.StubFixture{Selectors: []string{"window", "release"}, FunctionStarts: true}
	p := openFixture(t, fx)

	fns, err := p.Functions(stubs.DefaultRegion)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	assert.Equal(t, fx.StubAddr(1), fns[1].Addr)
	assert.Equal(t, uint64(machotest.FastStubSize), fns[0].Size)
	assert.Equal(t, uint64(machotest.FastStubSize), fns[1].Size)

	insts, err := p.Instructions(fns[0])
	require.NoError(t, err)
	assert.Len(t, insts, 5, "decoding stops at BR")
}

func TestFunctionsRegionMissing(t *testing.T) {
	p := openFixture(t, machotest.StubFixture{Selectors: []string{"window"}})
	_, err := p.Functions("__TEXT,__nope")
	require.ErrorIs(t, err, stubs.ErrRegionNotFound)
}

func TestFunctionsKnownSymbolName(t *testing.T) {
	p := openFixture(t, machotest.StubFixture{Selectors: []string{"window"}})
	fns, err := p.Functions("__TEXT,__text")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, machotest.DispatchName, fns[0].Name)
}

func TestRenameCollisionPolicy(t *testing.T) {
	fx := machotest.StubFixture{Selectors: []string{"window", "release"}}
	p := openFixture(t, fx)
	_, err := p.Functions(stubs.DefaultRegion)
	require.NoError(t, err)

	a, b := fx.StubAddr(0), fx.StubAddr(1)
	require.NoError(t, p.Rename(a, "_objc_msgSend$window"))
	require.NoError(t, p.Rename(a, "_objc_msgSend$window"), "same name is a no-op")
	require.ErrorIs(t, p.Rename(b, "_objc_msgSend$window"), ErrNameCollision)
	require.ErrorIs(t, p.Rename(0x1234, "x"), ErrNoFunction)

	// The old placeholder is free again.
	require.NoError(t, p.Rename(b, disasm.PlaceholderName(a)))

	name, ok := p.SymbolAt(a)
	require.True(t, ok)
	assert.Equal(t, "_objc_msgSend$window", name)
}

func TestPassOverProgram(t *testing.T) {
	fx := machotest.StubFixture{
		Selectors: []string{"window", "release", "short", "unmapped"},
		Mutate: func(i int, w []uint32) []uint32 {
			if i == 2 {
				return w[:4] // padded with BRK, never branches
			}
			return w
		},
		SelRefs: map[int]uint64{3: 0xDEAD00000000},
	}
	p := openFixture(t, fx)

	rep, err := stubs.NewPass(stubs.Options{}).Run(context.Background(), p)
	require.NoError(t, err)

	got := map[uint64]string{}
	for _, s := range p.Symbols() {
		got[s.Addr] = s.Name
	}
	assert.Equal(t, "_objc_msgSend$window", got[fx.StubAddr(0)])
	assert.Equal(t, "_objc_msgSend$release", got[fx.StubAddr(1)])
	assert.Equal(t, "_objc_msgSend", got[machotest.TextAddr])
	assert.Equal(t, 2, rep.Count(stubs.OutcomeRenamed))
	assert.Equal(t, 1, rep.Count(stubs.OutcomeUnresolved))
	assert.Equal(t, 1, rep.Count(stubs.OutcomeMismatch))

	// Second run leaves the table unchanged.
	before := p.Symbols()
	_, err = stubs.NewPass(stubs.Options{}).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, before, p.Symbols())
}

func TestPassOverChainedFixups(t *testing.T) {
	fx := machotest.StubFixture{
		Selectors:      []string{"window", "release"},
		ChainedFixups:  true,
		FunctionStarts: true,
		SelRefs:        map[int]uint64{1: 0x3000 + uint64(len("window")+1)},
	}
	p := openFixture(t, fx)

	rep, err := stubs.NewPass(stubs.Options{RequireMethname: true}).Run(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Count(stubs.OutcomeRenamed), rep.Warnings())
	assert.Equal(t, []string{"window", "release"}, []string{rep.Renames()[0].Selector, rep.Renames()[1].Selector})
}

func TestPassSmallStubs(t *testing.T) {
	fx := machotest.StubFixture{Selectors: []string{"count", "copy"}, Small: true}
	p := openFixture(t, fx)

	ts, err := stubs.LookupTemplates([]string{"arm64-msgsend", "arm64-msgsend-small"})
	require.NoError(t, err)
	rep, err := stubs.NewPass(stubs.Options{Templates: ts}).Run(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Count(stubs.OutcomeRenamed))
	name, _ := p.SymbolAt(fx.StubAddr(1))
	assert.Equal(t, "_objc_msgSend$copy", name)
}

func TestSectionBounds(t *testing.T) {
	p := openFixture(t, machotest.StubFixture{Selectors: []string{"window"}})
	start, end, ok := p.SectionBounds(stubs.DefaultMethnameSection)
	require.True(t, ok)
	assert.Equal(t, machotest.MethnameAddr, start)
	assert.Equal(t, machotest.MethnameAddr+uint64(len("window")+1), end)

	_, _, ok = p.SectionBounds("__TEXT,__missing")
	assert.False(t, ok)
}

func TestDescribeSlot(t *testing.T) {
	fx := machotest.StubFixture{Selectors: []string{"window"}}
	p := openFixture(t, fx)
	assert.Equal(t, `"window"`, p.DescribeSlot(fx.SelRefAddr(0)))
	assert.Equal(t, machotest.DispatchName, p.DescribeSlot(machotest.GOTAddr))
	assert.Empty(t, p.DescribeSlot(0xDEAD00000000))
}
