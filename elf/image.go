package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/wnxd/microdbg-elfx/host"
)

var (
	ErrBadMagic  = errors.New("bad ELF magic")
	ErrBadClass  = errors.New("unsupported ELF class")
	ErrNoDynamic = errors.New("no PT_DYNAMIC segment")
)

type Header struct {
	Class    elf.Class
	Data     elf.Data
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	Phoff    uint64
	Shoff    uint64
	Phnum    uint16
	Shnum    uint16
	Shstrndx uint16
}

type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Image is the header level view of an ELF mapped at base.
type Image struct {
	base   uint64
	sr     structReader
	Header Header
	Progs  []elf.ProgHeader
	// Dyns is nil when the image has no PT_DYNAMIC segment.
	Dyns []Dyn
}

func ParseImage(r io.ReaderAt, base uint64) (*Image, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], int64(base)); err != nil {
		return nil, fmt.Errorf("read ident at %#x: %w", base, err)
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w % x", ErrBadMagic, ident[:4])
	}
	l, ok := layoutOf(elf.Class(ident[elf.EI_CLASS]))
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadClass, ident[elf.EI_CLASS])
	}
	var order binary.ByteOrder = binary.LittleEndian
	if elf.Data(ident[elf.EI_DATA]) == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}
	im := &Image{base: base, sr: structReader{r: r, order: order, layout: l}}
	h, err := im.sr.header(base)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h.Data = elf.Data(ident[elf.EI_DATA])
	im.Header = h
	for i := uint64(0); i < uint64(h.Phnum); i++ {
		prog, err := im.sr.prog(base + h.Phoff + i*l.phdrSize)
		if err != nil {
			return nil, fmt.Errorf("read program header %d: %w", i, err)
		}
		im.Progs = append(im.Progs, prog)
	}
	im.Dyns = im.readDynamic()
	return im, nil
}

func (im *Image) Base() uint64 {
	return im.base
}

func (im *Image) Class() elf.Class {
	return im.Header.Class
}

func (im *Image) PtrSize() uint64 {
	return im.sr.layout.ptrSize
}

func (im *Image) ByteOrder() binary.ByteOrder {
	return im.sr.order
}

// dynamicProg returns the last PT_DYNAMIC entry, the one a loader applies.
func (im *Image) dynamicProg() *elf.ProgHeader {
	var dyn *elf.ProgHeader
	for i := range im.Progs {
		if im.Progs[i].Type == elf.PT_DYNAMIC {
			dyn = &im.Progs[i]
		}
	}
	return dyn
}

func (im *Image) readDynamic() []Dyn {
	prog := im.dynamicProg()
	if prog == nil {
		return nil
	}
	dyns := []Dyn{}
	size := im.sr.layout.dynSize
	for i := uint64(0); i < prog.Filesz/size; i++ {
		d, err := im.sr.dyn(im.base + prog.Vaddr + i*size)
		if err != nil || d.Tag == elf.DT_NULL {
			break
		}
		dyns = append(dyns, d)
	}
	return dyns
}

// Off2Addr maps a file offset to a module relative address through the
// PT_LOAD segment that covers it. When none does, the segment whose file
// range ends last is used; that is a best effort guess, not an ELF rule.
func (im *Image) Off2Addr(off uint64) (uint64, bool) {
	var dst *elf.ProgHeader
	for i := range im.Progs {
		prog := &im.Progs[i]
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if dst == nil || prog.Off+prog.Filesz >= dst.Off+dst.Filesz {
			dst = prog
		}
		if start := host.PageStart(prog.Off); off >= start && off < prog.Off+prog.Filesz {
			dst = prog
			break
		}
	}
	if dst == nil {
		return 0, false
	}
	return host.PageStart(dst.Vaddr) - host.PageStart(dst.Off) + off, true
}

// Sections reads the section header table through Off2Addr. Loaders often
// leave it unmapped, so failure here is expected and not fatal to callers.
func (im *Image) Sections(limit host.Range) ([]elf.SectionHeader, error) {
	h := im.Header
	if h.Shoff == 0 || h.Shnum == 0 {
		return nil, errors.New("no section headers")
	}
	rel, ok := im.Off2Addr(h.Shoff)
	if !ok {
		return nil, errors.New("no PT_LOAD segment")
	}
	size := im.sr.layout.shdrSize
	start := im.base + rel
	if !limit.Contains(start) || !limit.Contains(start+uint64(h.Shnum)*size-1) {
		return nil, fmt.Errorf("section headers at %#x outside %s", start, limit)
	}
	shdrs := make([]elf.SectionHeader, h.Shnum)
	names := make([]uint32, h.Shnum)
	for i := range shdrs {
		var err error
		shdrs[i], names[i], err = im.sr.section(start + uint64(i)*size)
		if err != nil {
			return nil, fmt.Errorf("read section header %d: %w", i, err)
		}
	}
	if int(h.Shstrndx) < len(shdrs) {
		strtab := shdrs[h.Shstrndx]
		if rel, ok := im.Off2Addr(strtab.Offset); ok {
			for i := range shdrs {
				if uint64(names[i]) >= strtab.Size {
					continue
				}
				shdrs[i].Name, _ = im.sr.cstring(im.base+rel+uint64(names[i]), strtab.Size-uint64(names[i]))
			}
		}
	}
	return shdrs, nil
}
