package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/wnxd/microdbg-elfx/host"
)

// Fixed offsets of the synthetic test image. File offsets equal virtual
// addresses: one PT_LOAD maps the whole file at 0.
const (
	tHash      = 0x100
	tDynstr    = 0x200
	tDynsym    = 0x300
	tRel       = 0x400
	tJmprel    = 0x480
	tDynamic   = 0x500
	tGot       = 0x700
	tInitArray = 0x780
	tShstrtab  = 0x800
	tShdrs     = 0x900
	tSymtab    = 0xb00
	tStrtab    = 0xb80
	tText      = 0x1000
	tSize      = 0x2000

	testBase     = 0x4000_0000
	livePuts     = 0xdead1000
	liveTarget   = 0xdead2000
	brokenSymOff = 0xffff
)

type testSym struct {
	name  string
	info  uint8
	shndx elf.SectionIndex
	value uint64
}

var testDynSyms = []testSym{
	{"", 0, elf.SHN_UNDEF, 0},
	{"puts", elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), elf.SHN_UNDEF, 0},
	{"my_func", elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), 1, 0x1000},
	{"my_abs", elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), elf.SHN_ABS, 0x1234},
	{"my_obj", elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), 1, 0x1800},
	{"target", elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), elf.SHN_UNDEF, 0},
}

var testStaticSyms = []testSym{
	{"", 0, elf.SHN_UNDEF, 0},
	{"static_helper", elf.ST_INFO(elf.STB_LOCAL, elf.STT_FUNC), 1, 0x1008},
	{"static_data", elf.ST_INFO(elf.STB_LOCAL, elf.STT_OBJECT), 1, 0x1010},
}

// testELF describes a small shared object with two relocation tables, a
// GOT and optional section headers.
type testELF struct {
	class elf.Class
	// hash is DT_HASH, DT_GNU_HASH or DT_NULL for no hash table.
	hash     elf.DynTag
	sections bool
	// bogusDynamic adds an empty PT_DYNAMIC before the real one.
	bogusDynamic bool
	noDynamic    bool
	typ          elf.Type
}

func newTestELF(class elf.Class) testELF {
	return testELF{class: class, hash: elf.DT_HASH, sections: true, typ: elf.ET_DYN}
}

func (t testELF) layout() *layout {
	l, _ := layoutOf(t.class)
	return l
}

type strtab struct {
	data []byte
	off  map[string]uint32
}

func newStrtab(names ...string) strtab {
	st := strtab{data: []byte{0}, off: map[string]uint32{"": 0}}
	for _, name := range names {
		if _, ok := st.off[name]; ok {
			continue
		}
		st.off[name] = uint32(len(st.data))
		st.data = append(append(st.data, name...), 0)
	}
	return st
}

func put(b []byte, off uint64, data any) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, data); err != nil {
		panic(err)
	}
	copy(b[off:], w.Bytes())
}

func (t testELF) slot(i uint64) uint64 {
	return tGot + i*t.layout().ptrSize
}

func (t testELF) build() []byte {
	l := t.layout()
	b := make([]byte, tSize)
	is64 := t.class == elf.ELFCLASS64

	dynstr := newStrtab("puts", "my_func", "my_abs", "my_obj", "target", "libtest.so", "libc.so")
	copy(b[tDynstr:], dynstr.data)
	t.putSyms(b, tDynsym, testDynSyms, dynstr)
	// Unreadable name right after the table ends the scan when no hash
	// table bounds it.
	t.putSym(b, tDynsym+uint64(len(testDynSyms))*l.symSize, testSym{}, brokenSymOff)

	switch t.hash {
	case elf.DT_HASH:
		n := uint32(len(testDynSyms))
		words := []uint32{1, n, n - 1}
		for i := uint32(0); i < n; i++ {
			words = append(words, max(i, 1)-1)
		}
		put(b, tHash, words)
	case elf.DT_GNU_HASH:
		put(b, tHash, []uint32{1, 1, 1, 6})
		cur := uint64(tHash + 16)
		if is64 {
			put(b, cur, ^uint64(0))
		} else {
			put(b, cur, ^uint32(0))
		}
		cur += l.ptrSize
		put(b, cur, uint32(1))
		cur += 4
		for i := 1; i < len(testDynSyms); i++ {
			h := gnuHash(testDynSyms[i].name) &^ 1
			if i == len(testDynSyms)-1 {
				h |= 1
			}
			put(b, cur, h)
			cur += 4
		}
	}

	var machine elf.Machine
	var glob, jump, relative uint32
	if is64 {
		machine = elf.EM_AARCH64
		glob, jump, relative = uint32(elf.R_AARCH64_GLOB_DAT), uint32(elf.R_AARCH64_JUMP_SLOT), uint32(elf.R_AARCH64_RELATIVE)
	} else {
		machine = elf.EM_ARM
		glob, jump, relative = uint32(elf.R_ARM_GLOB_DAT), uint32(elf.R_ARM_JUMP_SLOT), uint32(elf.R_ARM_RELATIVE)
	}
	rels := []struct{ off, sym, typ uint32 }{
		{uint32(t.slot(0)), 1, glob},
		{uint32(t.slot(1)), 0, relative},
		{uint32(t.slot(2)), 4, 0},
	}
	relTag, relSzTag, relEnt := elf.DT_RELA, elf.DT_RELASZ, l.relaSize
	if !is64 {
		relTag, relSzTag, relEnt = elf.DT_REL, elf.DT_RELSZ, l.relSize
	}
	for i, r := range rels {
		t.putRel(b, tRel+uint64(i)*relEnt, r.off, r.sym, r.typ)
	}
	t.putRel(b, tJmprel, uint32(t.slot(3)), 5, jump)
	t.putPtr(b, t.slot(0), livePuts)
	t.putPtr(b, t.slot(1), tText)
	t.putPtr(b, t.slot(3), liveTarget)
	t.putPtr(b, tInitArray, tText)
	t.putPtr(b, tInitArray+l.ptrSize, tText+4)
	put(b, tText, uint32(0xd65f03c0))

	var dyns [][2]uint64
	if t.hash != elf.DT_NULL {
		dyns = append(dyns, [2]uint64{uint64(t.hash), tHash})
	}
	dyns = append(dyns,
		[2]uint64{uint64(elf.DT_STRTAB), tDynstr},
		[2]uint64{uint64(elf.DT_STRSZ), uint64(len(dynstr.data))},
		[2]uint64{uint64(elf.DT_SYMTAB), tDynsym},
		[2]uint64{uint64(elf.DT_SYMENT), l.symSize},
		[2]uint64{uint64(relTag), tRel},
		[2]uint64{uint64(relSzTag), uint64(len(rels)) * relEnt},
		[2]uint64{uint64(elf.DT_JMPREL), tJmprel},
		[2]uint64{uint64(elf.DT_PLTRELSZ), relEnt},
		[2]uint64{uint64(elf.DT_PLTREL), uint64(relTag)},
		[2]uint64{uint64(elf.DT_PLTGOT), tGot},
		[2]uint64{uint64(elf.DT_INIT_ARRAY), tInitArray},
		[2]uint64{uint64(elf.DT_INIT_ARRAYSZ), 2 * l.ptrSize},
		[2]uint64{uint64(elf.DT_SONAME), uint64(dynstr.off["libtest.so"])},
		[2]uint64{uint64(elf.DT_NEEDED), uint64(dynstr.off["libc.so"])},
		[2]uint64{uint64(elf.DT_NULL), 0},
	)
	for i, d := range dyns {
		off := tDynamic + uint64(i)*l.dynSize
		if is64 {
			put(b, off, elf.Dyn64{Tag: int64(d[0]), Val: d[1]})
		} else {
			put(b, off, elf.Dyn32{Tag: int32(d[0]), Val: uint32(d[1])})
		}
	}

	type prog struct {
		typ          elf.ProgType
		flags        elf.ProgFlag
		vaddr, fsize uint64
	}
	progs := []prog{{elf.PT_LOAD, elf.PF_R | elf.PF_W | elf.PF_X, 0, tSize}}
	if t.bogusDynamic {
		progs = append(progs, prog{elf.PT_DYNAMIC, elf.PF_R, tText, 0})
	}
	if !t.noDynamic {
		progs = append(progs, prog{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, tDynamic, uint64(len(dyns)) * l.dynSize})
	}
	for i, p := range progs {
		off := l.ehdrSize + uint64(i)*l.phdrSize
		if is64 {
			put(b, off, elf.Prog64{Type: uint32(p.typ), Flags: uint32(p.flags), Off: p.vaddr, Vaddr: p.vaddr, Paddr: p.vaddr, Filesz: p.fsize, Memsz: p.fsize, Align: host.PageSize})
		} else {
			put(b, off, elf.Prog32{Type: uint32(p.typ), Flags: uint32(p.flags), Off: uint32(p.vaddr), Vaddr: uint32(p.vaddr), Paddr: uint32(p.vaddr), Filesz: uint32(p.fsize), Memsz: uint32(p.fsize), Align: host.PageSize})
		}
	}

	var shoff uint64
	var shnum, shstrndx uint16
	if t.sections {
		shoff, shnum, shstrndx = tShdrs, 5, 4
		t.putSections(b)
	}

	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(t.class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	if is64 {
		put(b, 0, elf.Header64{
			Ident: ident, Type: uint16(t.typ), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Phoff: l.ehdrSize, Shoff: shoff, Ehsize: uint16(l.ehdrSize),
			Phentsize: uint16(l.phdrSize), Phnum: uint16(len(progs)),
			Shentsize: uint16(l.shdrSize), Shnum: shnum, Shstrndx: shstrndx,
		})
	} else {
		put(b, 0, elf.Header32{
			Ident: ident, Type: uint16(t.typ), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Phoff: uint32(l.ehdrSize), Shoff: uint32(shoff), Ehsize: uint16(l.ehdrSize),
			Phentsize: uint16(l.phdrSize), Phnum: uint16(len(progs)),
			Shentsize: uint16(l.shdrSize), Shnum: shnum, Shstrndx: shstrndx,
		})
	}
	return b
}

func (t testELF) putSections(b []byte) {
	l := t.layout()
	shstr := newStrtab(".text", ".symtab", ".strtab", ".shstrtab")
	copy(b[tShstrtab:], shstr.data)
	str := newStrtab("static_helper", "static_data")
	copy(b[tStrtab:], str.data)
	t.putSyms(b, tSymtab, testStaticSyms, str)

	type shdr struct {
		name            string
		typ             elf.SectionType
		flags           elf.SectionFlag
		addr, off, size uint64
		link, info      uint32
		entsize         uint64
	}
	shdrs := []shdr{
		{},
		{".text", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, tText, tText, 0x10, 0, 0, 0},
		{".symtab", elf.SHT_SYMTAB, 0, 0, tSymtab, uint64(len(testStaticSyms)) * l.symSize, 3, 1, l.symSize},
		{".strtab", elf.SHT_STRTAB, 0, 0, tStrtab, uint64(len(str.data)), 0, 0, 0},
		{".shstrtab", elf.SHT_STRTAB, 0, 0, tShstrtab, uint64(len(shstr.data)), 0, 0, 0},
	}
	for i, s := range shdrs {
		off := tShdrs + uint64(i)*l.shdrSize
		if t.class == elf.ELFCLASS64 {
			put(b, off, elf.Section64{
				Name: shstr.off[s.name], Type: uint32(s.typ), Flags: uint64(s.flags),
				Addr: s.addr, Off: s.off, Size: s.size, Link: s.link, Info: s.info,
				Addralign: 1, Entsize: s.entsize,
			})
		} else {
			put(b, off, elf.Section32{
				Name: shstr.off[s.name], Type: uint32(s.typ), Flags: uint32(s.flags),
				Addr: uint32(s.addr), Off: uint32(s.off), Size: uint32(s.size), Link: s.link, Info: s.info,
				Addralign: 1, Entsize: uint32(s.entsize),
			})
		}
	}
}

func (t testELF) putSyms(b []byte, at uint64, syms []testSym, st strtab) {
	for i, s := range syms {
		t.putSym(b, at+uint64(i)*t.layout().symSize, s, st.off[s.name])
	}
}

func (t testELF) putSym(b []byte, off uint64, s testSym, name uint32) {
	if t.class == elf.ELFCLASS64 {
		put(b, off, elf.Sym64{Name: name, Info: s.info, Shndx: uint16(s.shndx), Value: s.value})
	} else {
		put(b, off, elf.Sym32{Name: name, Info: s.info, Shndx: uint16(s.shndx), Value: uint32(s.value)})
	}
}

func (t testELF) putRel(b []byte, off uint64, at, sym, typ uint32) {
	if t.class == elf.ELFCLASS64 {
		put(b, off, elf.Rela64{Off: uint64(at), Info: elf.R_INFO(sym, typ)})
	} else {
		put(b, off, elf.Rel32{Off: at, Info: elf.R_INFO32(sym, typ)})
	}
}

func (t testELF) putPtr(b []byte, off, v uint64) {
	if t.class == elf.ELFCLASS64 {
		put(b, off, v)
	} else {
		put(b, off, uint32(v))
	}
}

// mapped loads the image at testBase and returns it with its module record.
func (t testELF) mapped() (*host.Image, host.Module) {
	img := host.NewImageFrom(testBase, t.build())
	mod := host.Module{Name: "libtest.so", Path: "/system/lib/libtest.so", Base: testBase, Size: tSize}
	img.AddModule(mod)
	return img, mod
}

var testClasses = []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64}

type fakeTrampoline struct {
	addr     uint64
	original uint64
	closed   bool
}

func (t *fakeTrampoline) Addr() uint64 {
	return t.addr
}

func (t *fakeTrampoline) Close() error {
	t.closed = true
	return nil
}

type fakeHook struct {
	next  uint64
	bound []*fakeTrampoline
}

func (h *fakeHook) Bind(sig host.Signature, original uint64) (host.Trampoline, error) {
	h.next += 0x10
	t := &fakeTrampoline{addr: 0xcafe0000 + h.next, original: original}
	h.bound = append(h.bound, t)
	return t, nil
}
