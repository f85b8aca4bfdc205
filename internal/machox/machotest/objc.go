package machotest

import "bytes"

// Fixed layout of the Objective-C fixture.
const (
	Base         uint64 = 0x100000000
	TextAddr            = Base + 0x1000
	StubsAddr           = Base + 0x2000
	MethnameAddr        = Base + 0x3000
	SelRefsAddr         = Base + 0x48f8
	GOTAddr             = Base + 0x5e80

	FastStubSize  = 32
	SmallStubSize = 12

	// DispatchName is the symbol placed at TextAddr; the GOT slot points to it.
	DispatchName = "_objc_msgSend"
)

// StubFixture describes an arm64 image with one __objc_stubs entry per
// selector.
type StubFixture struct {
	Selectors []string

	// Small lays out -objc_stubs_small stubs (ADRP, LDR, B) instead of the
	// 32-byte fast form.
	Small bool

	// Mutate rewrites the instruction words of stub i before layout. Fewer
	// words than the stub size are padded with BRK #1.
	Mutate func(i int, words []uint32) []uint32

	// SelRefs overrides the pointer stored in selref slot i.
	SelRefs map[int]uint64

	// ExtraStubs appends raw stub bodies after the selector stubs.
	ExtraStubs [][]uint32

	FunctionStarts bool
	ChainedFixups  bool
	NoMethname     bool
	NoSymbols      bool
}

// StubAddr returns the address of stub i.
func (fx StubFixture) StubAddr(i int) uint64 {
	return StubsAddr + uint64(i)*uint64(fx.stride())
}

// SelRefAddr returns the address of selref slot i.
func (fx StubFixture) SelRefAddr(i int) uint64 { return SelRefsAddr + uint64(i)*8 }

func (fx StubFixture) stride() int {
	if fx.Small {
		return SmallStubSize
	}
	return FastStubSize
}

// StubWords returns the canonical instruction words for stub i.
func (fx StubFixture) StubWords(i int) []uint32 {
	pc := fx.StubAddr(i)
	sel := fx.SelRefAddr(i)
	if fx.Small {
		return []uint32{
			ADRP(1, pc, sel&^0xFFF),
			LDR(1, 1, sel&0xFFF),
			B(pc+8, TextAddr),
		}
	}
	return []uint32{
		ADRP(1, pc, sel&^0xFFF),
		LDR(1, 1, sel&0xFFF),
		ADRP(16, pc+8, GOTAddr&^0xFFF),
		LDR(16, 16, GOTAddr&0xFFF),
		BR(16),
		BRK(1), BRK(1), BRK(1),
	}
}

// Image lays out the fixture.
func (fx StubFixture) Image() Image {
	stride := fx.stride() / 4

	var methname bytes.Buffer
	var selrefs bytes.Buffer
	for i, s := range fx.Selectors {
		ptr := MethnameAddr + uint64(methname.Len())
		methname.WriteString(s)
		methname.WriteByte(0)
		if v, ok := fx.SelRefs[i]; ok {
			ptr = v
		}
		selrefs.Write(Ptr(ptr))
	}

	var stubs []uint32
	var starts []uint64
	emit := func(words []uint32) {
		starts = append(starts, StubsAddr+uint64(len(stubs))*4)
		for len(words) < stride {
			words = append(words, BRK(1))
		}
		stubs = append(stubs, words[:stride]...)
	}
	for i := range fx.Selectors {
		words := fx.StubWords(i)
		if fx.Mutate != nil {
			words = fx.Mutate(i, append([]uint32(nil), words...))
		}
		emit(words)
	}
	for _, words := range fx.ExtraStubs {
		emit(append([]uint32(nil), words...))
	}

	textSects := []Section{
		{Name: "__text", Addr: TextAddr, Data: Code(RET)},
		{Name: "__objc_stubs", Addr: StubsAddr, Data: Code(stubs...)},
	}
	if !fx.NoMethname {
		textSects = append(textSects, Section{Name: "__objc_methname", Addr: MethnameAddr, Data: methname.Bytes()})
	}

	img := Image{
		Segments: []Segment{
			{Name: "__TEXT", Addr: Base, Size: 0x4000, Sections: textSects},
			{Name: "__DATA_CONST", Addr: Base + 0x4000, Size: 0x4000, Sections: []Section{
				{Name: "__objc_selrefs", Addr: SelRefsAddr, Data: selrefs.Bytes()},
				{Name: "__got", Addr: GOTAddr, Data: Ptr(TextAddr)},
			}},
		},
		ChainedFixups: fx.ChainedFixups,
	}
	if !fx.NoSymbols {
		img.Symbols = []Symbol{{Name: DispatchName, Addr: TextAddr, Sect: 1}}
	}
	if fx.FunctionStarts {
		img.FunctionStarts = append([]uint64{TextAddr}, starts...)
	}
	return img
}
