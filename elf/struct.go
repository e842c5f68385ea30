package elf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// layout holds the sizes and packing rules that differ between ELFCLASS32
// and ELFCLASS64. One of the two tables is picked when the header is parsed.
type layout struct {
	class        elf.Class
	ptrSize      uint64
	ehdrSize     uint64
	phdrSize     uint64
	shdrSize     uint64
	dynSize      uint64
	symSize      uint64
	relSize      uint64
	relaSize     uint64
	infoSymShift uint
	infoTypeMask uint64
}

var (
	layout32 = &layout{
		class:        elf.ELFCLASS32,
		ptrSize:      4,
		ehdrSize:     52,
		phdrSize:     32,
		shdrSize:     40,
		dynSize:      8,
		symSize:      16,
		relSize:      8,
		relaSize:     12,
		infoSymShift: 8,
		infoTypeMask: 0xff,
	}
	layout64 = &layout{
		class:        elf.ELFCLASS64,
		ptrSize:      8,
		ehdrSize:     64,
		phdrSize:     56,
		shdrSize:     64,
		dynSize:      16,
		symSize:      24,
		relSize:      16,
		relaSize:     24,
		infoSymShift: 32,
		infoTypeMask: 0xffffffff,
	}
)

func layoutOf(class elf.Class) (*layout, bool) {
	switch class {
	case elf.ELFCLASS32:
		return layout32, true
	case elf.ELFCLASS64:
		return layout64, true
	}
	return nil, false
}

func (l *layout) relInfo(info uint64) (sym, typ uint32) {
	return uint32(info >> l.infoSymShift), uint32(info & l.infoTypeMask)
}

func (l *layout) packInfo(sym, typ uint32) uint64 {
	return uint64(sym)<<l.infoSymShift | uint64(typ)&l.infoTypeMask
}

func (l *layout) relEntSize(tag elf.DynTag) uint64 {
	if tag == elf.DT_REL {
		return l.relSize
	}
	return l.relaSize
}

// structReader reads ELF records at absolute addresses of a byte source.
type structReader struct {
	r      io.ReaderAt
	order  binary.ByteOrder
	layout *layout
}

func (sr structReader) sectionReader(addr, size uint64) *io.SectionReader {
	return io.NewSectionReader(sr.r, int64(addr), int64(size))
}

func (sr structReader) read(addr uint64, data any) error {
	return binary.Read(sr.sectionReader(addr, uint64(binary.Size(data))), sr.order, data)
}

func (sr structReader) header(addr uint64) (Header, error) {
	var h Header
	switch sr.layout.class {
	case elf.ELFCLASS32:
		var raw elf.Header32
		if err := sr.read(addr, &raw); err != nil {
			return h, err
		}
		h = Header{
			Type:     elf.Type(raw.Type),
			Machine:  elf.Machine(raw.Machine),
			Entry:    uint64(raw.Entry),
			Phoff:    uint64(raw.Phoff),
			Shoff:    uint64(raw.Shoff),
			Phnum:    raw.Phnum,
			Shnum:    raw.Shnum,
			Shstrndx: raw.Shstrndx,
		}
	case elf.ELFCLASS64:
		var raw elf.Header64
		if err := sr.read(addr, &raw); err != nil {
			return h, err
		}
		h = Header{
			Type:     elf.Type(raw.Type),
			Machine:  elf.Machine(raw.Machine),
			Entry:    raw.Entry,
			Phoff:    raw.Phoff,
			Shoff:    raw.Shoff,
			Phnum:    raw.Phnum,
			Shnum:    raw.Shnum,
			Shstrndx: raw.Shstrndx,
		}
	}
	h.Class = sr.layout.class
	return h, nil
}

func (sr structReader) prog(addr uint64) (elf.ProgHeader, error) {
	switch sr.layout.class {
	case elf.ELFCLASS32:
		var raw elf.Prog32
		if err := sr.read(addr, &raw); err != nil {
			return elf.ProgHeader{}, err
		}
		return elf.ProgHeader{
			Type:   elf.ProgType(raw.Type),
			Flags:  elf.ProgFlag(raw.Flags),
			Off:    uint64(raw.Off),
			Vaddr:  uint64(raw.Vaddr),
			Paddr:  uint64(raw.Paddr),
			Filesz: uint64(raw.Filesz),
			Memsz:  uint64(raw.Memsz),
			Align:  uint64(raw.Align),
		}, nil
	default:
		var raw elf.Prog64
		if err := sr.read(addr, &raw); err != nil {
			return elf.ProgHeader{}, err
		}
		return elf.ProgHeader{
			Type:   elf.ProgType(raw.Type),
			Flags:  elf.ProgFlag(raw.Flags),
			Off:    raw.Off,
			Vaddr:  raw.Vaddr,
			Paddr:  raw.Paddr,
			Filesz: raw.Filesz,
			Memsz:  raw.Memsz,
			Align:  raw.Align,
		}, nil
	}
}

func (sr structReader) section(addr uint64) (elf.SectionHeader, uint32, error) {
	switch sr.layout.class {
	case elf.ELFCLASS32:
		var raw elf.Section32
		if err := sr.read(addr, &raw); err != nil {
			return elf.SectionHeader{}, 0, err
		}
		return elf.SectionHeader{
			Type:      elf.SectionType(raw.Type),
			Flags:     elf.SectionFlag(raw.Flags),
			Addr:      uint64(raw.Addr),
			Offset:    uint64(raw.Off),
			Size:      uint64(raw.Size),
			Link:      raw.Link,
			Info:      raw.Info,
			Addralign: uint64(raw.Addralign),
			Entsize:   uint64(raw.Entsize),
		}, raw.Name, nil
	default:
		var raw elf.Section64
		if err := sr.read(addr, &raw); err != nil {
			return elf.SectionHeader{}, 0, err
		}
		return elf.SectionHeader{
			Type:      elf.SectionType(raw.Type),
			Flags:     elf.SectionFlag(raw.Flags),
			Addr:      raw.Addr,
			Offset:    raw.Off,
			Size:      raw.Size,
			Link:      raw.Link,
			Info:      raw.Info,
			Addralign: raw.Addralign,
			Entsize:   raw.Entsize,
		}, raw.Name, nil
	}
}

func (sr structReader) dyn(addr uint64) (Dyn, error) {
	switch sr.layout.class {
	case elf.ELFCLASS32:
		var raw elf.Dyn32
		if err := sr.read(addr, &raw); err != nil {
			return Dyn{}, err
		}
		return Dyn{Tag: elf.DynTag(raw.Tag), Val: uint64(raw.Val)}, nil
	default:
		var raw elf.Dyn64
		if err := sr.read(addr, &raw); err != nil {
			return Dyn{}, err
		}
		return Dyn{Tag: elf.DynTag(raw.Tag), Val: raw.Val}, nil
	}
}

// sym reads a raw symbol record; Name holds nothing yet.
func (sr structReader) sym(addr uint64) (Symbol, error) {
	switch sr.layout.class {
	case elf.ELFCLASS32:
		var raw elf.Sym32
		if err := sr.read(addr, &raw); err != nil {
			return Symbol{}, err
		}
		return Symbol{
			NameOff: raw.Name,
			Info:    raw.Info,
			Other:   raw.Other,
			Section: elf.SectionIndex(raw.Shndx),
			Value:   uint64(raw.Value),
			Size:    uint64(raw.Size),
		}, nil
	default:
		var raw elf.Sym64
		if err := sr.read(addr, &raw); err != nil {
			return Symbol{}, err
		}
		return Symbol{
			NameOff: raw.Name,
			Info:    raw.Info,
			Other:   raw.Other,
			Section: elf.SectionIndex(raw.Shndx),
			Value:   raw.Value,
			Size:    raw.Size,
		}, nil
	}
}

// rel reads a relocation record. REL records carry no addend.
func (sr structReader) rel(addr uint64, tag elf.DynTag) (Rela, error) {
	switch {
	case sr.layout.class == elf.ELFCLASS32 && tag == elf.DT_REL:
		var raw elf.Rel32
		if err := sr.read(addr, &raw); err != nil {
			return Rela{}, err
		}
		return Rela{Off: uint64(raw.Off), Info: uint64(raw.Info)}, nil
	case sr.layout.class == elf.ELFCLASS32:
		var raw elf.Rela32
		if err := sr.read(addr, &raw); err != nil {
			return Rela{}, err
		}
		return Rela{Off: uint64(raw.Off), Info: uint64(raw.Info), Addend: int64(raw.Addend)}, nil
	case tag == elf.DT_REL:
		var raw elf.Rel64
		if err := sr.read(addr, &raw); err != nil {
			return Rela{}, err
		}
		return Rela{Off: raw.Off, Info: raw.Info}, nil
	default:
		var raw elf.Rela64
		if err := sr.read(addr, &raw); err != nil {
			return Rela{}, err
		}
		return Rela{Off: raw.Off, Info: raw.Info, Addend: raw.Addend}, nil
	}
}

func (sr structReader) ptr(addr uint64) (uint64, error) {
	switch sr.layout.ptrSize {
	case 4:
		var v uint32
		err := sr.read(addr, &v)
		return uint64(v), err
	default:
		var v uint64
		err := sr.read(addr, &v)
		return v, err
	}
}

func (sr structReader) putPtr(w io.WriterAt, addr, value uint64) error {
	buf := make([]byte, sr.layout.ptrSize)
	switch sr.layout.ptrSize {
	case 4:
		sr.order.PutUint32(buf, uint32(value))
	default:
		sr.order.PutUint64(buf, value)
	}
	_, err := w.WriteAt(buf, int64(addr))
	return err
}

func (sr structReader) u32(addr uint64) (uint32, error) {
	var v uint32
	err := sr.read(addr, &v)
	return v, err
}

// cstring reads a NUL terminated string of at most limit bytes.
func (sr structReader) cstring(addr, limit uint64) (string, error) {
	var data []byte
	var buf [0x10]byte
	for begin := addr; uint64(len(data)) < limit; {
		want := min(uint64(len(buf)), limit-uint64(len(data)))
		n, err := sr.r.ReadAt(buf[:want], int64(begin))
		if i := slices.Index(buf[:n], 0); i != -1 {
			return string(append(data, buf[:i]...)), nil
		}
		if n == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("read string at %#x: %w", addr, err)
		}
		data = append(data, buf[:n]...)
		begin += uint64(n)
	}
	return "", fmt.Errorf("string at %#x exceeds %d bytes", addr, limit)
}
