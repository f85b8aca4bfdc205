// Package machotest builds small synthetic Mach-O images for tests.
//
// The layout mirrors the VM layout: every segment's file offset equals its
// vmaddr minus the first segment's vmaddr, so section data lands where a real
// linker would put it. The first segment must leave room for the header and
// load commands below its first section.
package machotest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// CPU types.
const (
	CPUArm64  uint32 = 0x0100000c
	CPUX86_64 uint32 = 0x01000007
)

const (
	magic64     = 0xfeedfacf
	magicFat    = 0xcafebabe
	mhExecute   = 0x2
	lcSegment64 = 0x19
	lcSymtab    = 0x2

	lcFunctionStarts    = 0x26
	lcDyldChainedFixups = 0x80000034

	headerSize  = 32
	segCmdSize  = 72
	sectSize    = 80
	nlistSize   = 16
	linkeditGap = 0x1000
)

// Section is one section and its initial contents.
type Section struct {
	Name string
	Addr uint64
	Size uint64 // defaults to len(Data)
	Data []byte
}

// Segment groups sections under one LC_SEGMENT_64.
type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Sections []Section
}

// Symbol is a defined N_SECT symbol.
type Symbol struct {
	Name string
	Addr uint64
	Sect uint8 // 1-based section ordinal
}

// Image describes a thin Mach-O.
type Image struct {
	CPU            uint32 // defaults to CPUArm64
	Segments       []Segment
	Symbols        []Symbol
	FunctionStarts []uint64 // absolute addresses
	ChainedFixups  bool     // emit an (empty) LC_DYLD_CHAINED_FIXUPS
}

// Bytes serializes the image.
func (img Image) Bytes() []byte {
	cpu := img.CPU
	if cpu == 0 {
		cpu = CPUArm64
	}
	bo := binary.LittleEndian
	base := img.Segments[0].Addr

	var end uint64
	for _, seg := range img.Segments {
		if e := seg.Addr - base + seg.Size; e > end {
			end = e
		}
	}
	linkeditOff := (end + linkeditGap - 1) &^ (linkeditGap - 1)
	linkedit := img.linkedit(base, bo)

	var cmds bytes.Buffer
	ncmds := 0
	for _, seg := range img.Segments {
		writeSegment(&cmds, bo, seg, seg.Addr-base)
		ncmds++
	}

	var leData bytes.Buffer
	if linkedit.len() > 0 {
		leData.Write(linkedit.starts)
		startsOff := uint32(linkeditOff)
		symOff := startsOff + uint32(len(linkedit.starts))
		leData.Write(linkedit.syms)
		strOff := symOff + uint32(len(linkedit.syms))
		leData.Write(linkedit.strs)

		leSeg := Segment{Name: "__LINKEDIT", Addr: base + linkeditOff, Size: uint64(leData.Len())}
		writeSegment(&cmds, bo, leSeg, linkeditOff)
		ncmds++

		if len(img.FunctionStarts) > 0 {
			writeLinkeditData(&cmds, bo, lcFunctionStarts, startsOff, uint32(len(linkedit.starts)))
			ncmds++
		}
		if len(img.Symbols) > 0 {
			put32(&cmds, bo, lcSymtab, 24, symOff, uint32(len(img.Symbols)), strOff, uint32(len(linkedit.strs)))
			ncmds++
		}
	}
	if img.ChainedFixups {
		writeLinkeditData(&cmds, bo, lcDyldChainedFixups, 0, 0)
		ncmds++
	}

	total := end
	if leData.Len() > 0 {
		total = linkeditOff + uint64(leData.Len())
	}
	out := make([]byte, total)
	bo.PutUint32(out[0:], magic64)
	bo.PutUint32(out[4:], cpu)
	bo.PutUint32(out[8:], 0)
	bo.PutUint32(out[12:], mhExecute)
	bo.PutUint32(out[16:], uint32(ncmds))
	bo.PutUint32(out[20:], uint32(cmds.Len()))
	copy(out[headerSize:], cmds.Bytes())

	for _, seg := range img.Segments {
		for _, s := range seg.Sections {
			copy(out[s.Addr-base:], s.Data)
		}
	}
	copy(out[linkeditOff:], leData.Bytes())
	return out
}

type linkeditBlob struct {
	starts, syms, strs []byte
}

func (l linkeditBlob) len() int { return len(l.starts) + len(l.syms) + len(l.strs) }

func (img Image) linkedit(base uint64, bo binary.ByteOrder) linkeditBlob {
	var blob linkeditBlob
	if len(img.FunctionStarts) > 0 {
		starts := append([]uint64(nil), img.FunctionStarts...)
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
		var buf bytes.Buffer
		prev := base
		for _, s := range starts {
			putULEB(&buf, s-prev)
			prev = s
		}
		buf.WriteByte(0)
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		blob.starts = buf.Bytes()
	}
	if len(img.Symbols) > 0 {
		strs := bytes.NewBuffer([]byte{' ', 0})
		var syms bytes.Buffer
		for _, s := range img.Symbols {
			strx := uint32(strs.Len())
			strs.WriteString(s.Name)
			strs.WriteByte(0)
			sect := s.Sect
			if sect == 0 {
				sect = 1
			}
			var ent [nlistSize]byte
			bo.PutUint32(ent[0:], strx)
			ent[4] = 0x0F // N_SECT | N_EXT
			ent[5] = sect
			bo.PutUint64(ent[8:], s.Addr)
			syms.Write(ent[:])
		}
		for strs.Len()%8 != 0 {
			strs.WriteByte(0)
		}
		blob.syms = syms.Bytes()
		blob.strs = strs.Bytes()
	}
	return blob
}

func writeSegment(w *bytes.Buffer, bo binary.ByteOrder, seg Segment, fileoff uint64) {
	put32(w, bo, lcSegment64, uint32(segCmdSize+sectSize*len(seg.Sections)))
	w.Write(name16(seg.Name))
	put64(w, bo, seg.Addr, seg.Size, fileoff, seg.Size)
	put32(w, bo, 7, 5, uint32(len(seg.Sections)), 0)
	for _, s := range seg.Sections {
		size := s.Size
		if size == 0 {
			size = uint64(len(s.Data))
		}
		w.Write(name16(s.Name))
		w.Write(name16(seg.Name))
		put64(w, bo, s.Addr, size)
		put32(w, bo, uint32(s.Addr-seg.Addr+fileoff), 2, 0, 0, 0, 0, 0, 0)
	}
}

func writeLinkeditData(w *bytes.Buffer, bo binary.ByteOrder, cmd, off, size uint32) {
	put32(w, bo, cmd, 16, off, size)
}

func name16(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func put32(w *bytes.Buffer, bo binary.ByteOrder, vs ...uint32) {
	for _, v := range vs {
		var b [4]byte
		bo.PutUint32(b[:], v)
		w.Write(b[:])
	}
}

func put64(w *bytes.Buffer, bo binary.ByteOrder, vs ...uint64) {
	for _, v := range vs {
		var b [8]byte
		bo.PutUint64(b[:], v)
		w.Write(b[:])
	}
}

func putULEB(w *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		w.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

// Fat wraps thin images into a universal binary.
func Fat(images ...Image) []byte {
	const align = 14 // 16 KiB
	bo := binary.BigEndian

	var hdr bytes.Buffer
	put32(&hdr, bo, magicFat, uint32(len(images)))

	var body [][]byte
	off := uint32(1 << align)
	var offsets []uint32
	for _, img := range images {
		b := img.Bytes()
		body = append(body, b)
		offsets = append(offsets, off)
		off += (uint32(len(b)) + (1 << align) - 1) &^ ((1 << align) - 1)
	}
	for i, img := range images {
		cpu := img.CPU
		if cpu == 0 {
			cpu = CPUArm64
		}
		put32(&hdr, bo, cpu, 0, offsets[i], uint32(len(body[i])), align)
	}

	out := make([]byte, off)
	copy(out, hdr.Bytes())
	for i, b := range body {
		copy(out[offsets[i]:], b)
	}
	return out
}

// WriteFile writes data into a temp file owned by t and returns its path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Instruction encoders.

// ADRP encodes ADRP Xd, page for an instruction at pc.
func ADRP(rd int, pc, page uint64) uint32 {
	pages := (int64(page) - int64(pc&^0xFFF)) >> 12
	imm := uint32(pages) & 0x1FFFFF
	return 0x90000000 | (imm&0x3)<<29 | (imm>>2)<<5 | uint32(rd)
}

// LDR encodes LDR Xt, [Xn, #off] with an 8-aligned unsigned offset.
func LDR(rt, rn int, off uint64) uint32 {
	return 0xF9400000 | uint32(off/8)<<10 | uint32(rn)<<5 | uint32(rt)
}

// BR encodes BR Xn.
func BR(rn int) uint32 { return 0xD61F0000 | uint32(rn)<<5 }

// B encodes B target for an instruction at pc.
func B(pc, target uint64) uint32 {
	return 0x14000000 | uint32((int64(target)-int64(pc))/4)&0x03FFFFFF
}

// BRK encodes BRK #imm.
func BRK(imm uint16) uint32 { return 0xD4200000 | uint32(imm)<<5 }

// RET encodes RET.
const RET uint32 = 0xD65F03C0

// NOP encodes NOP.
const NOP uint32 = 0xD503201F

// Code packs instruction words little-endian.
func Code(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// Ptr packs a little-endian pointer.
func Ptr(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
