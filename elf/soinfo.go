package elf

import (
	"debug/elf"
)

const (
	DT_RELRSZ elf.DynTag = 35
	DT_RELR   elf.DynTag = 36

	DT_ANDROID_RELR   elf.DynTag = 0x6fffe000
	DT_ANDROID_RELRSZ elf.DynTag = 0x6fffe001
)

// Soinfo is the dynamic table resolved against the load bias. Every address
// field is absolute; zero means the tag was absent.
type Soinfo struct {
	Strtab     uint64
	StrtabSize uint64
	Symtab     uint64
	SymEnt     uint64
	Hash       uint64
	GnuHash    uint64

	Rela      uint64
	RelaCount uint64
	Rel       uint64
	RelCount  uint64
	PltRel    uint64
	PltCount  uint64
	// PltType is DT_RELA or DT_REL, the record kind of the PLT relocations.
	PltType  elf.DynTag
	Relr     uint64
	RelrSize uint64

	Init           uint64
	InitArray      uint64
	InitArrayCount uint64
	Fini           uint64
	FiniArray      uint64
	FiniArrayCount uint64
	PltGot         uint64

	Soname uint32
	Needed []uint32
}

func prelink(dyns []Dyn, base uint64, l *layout) *Soinfo {
	if dyns == nil {
		return nil
	}
	si := &Soinfo{PltType: elf.DT_RELA, SymEnt: l.symSize}
	var pltSize, relaSize, relSize, initSize, finiSize uint64
	for _, d := range dyns {
		switch d.Tag {
		case elf.DT_STRTAB:
			si.Strtab = base + d.Val
		case elf.DT_STRSZ:
			si.StrtabSize = d.Val
		case elf.DT_SYMTAB:
			si.Symtab = base + d.Val
		case elf.DT_SYMENT:
			if d.Val != 0 {
				si.SymEnt = d.Val
			}
		case elf.DT_HASH:
			si.Hash = base + d.Val
		case elf.DT_GNU_HASH:
			si.GnuHash = base + d.Val
		case elf.DT_JMPREL:
			si.PltRel = base + d.Val
		case elf.DT_PLTRELSZ:
			pltSize = d.Val
		case elf.DT_PLTREL:
			si.PltType = elf.DynTag(d.Val)
		case elf.DT_RELA:
			si.Rela = base + d.Val
		case elf.DT_RELASZ:
			relaSize = d.Val
		case elf.DT_REL:
			si.Rel = base + d.Val
		case elf.DT_RELSZ:
			relSize = d.Val
		case DT_RELR, DT_ANDROID_RELR:
			si.Relr = base + d.Val
		case DT_RELRSZ, DT_ANDROID_RELRSZ:
			si.RelrSize = d.Val
		case elf.DT_INIT:
			si.Init = base + d.Val
		case elf.DT_INIT_ARRAY:
			si.InitArray = base + d.Val
		case elf.DT_INIT_ARRAYSZ:
			initSize = d.Val
		case elf.DT_FINI:
			si.Fini = base + d.Val
		case elf.DT_FINI_ARRAY:
			si.FiniArray = base + d.Val
		case elf.DT_FINI_ARRAYSZ:
			finiSize = d.Val
		case elf.DT_PLTGOT:
			si.PltGot = base + d.Val
		case elf.DT_SONAME:
			si.Soname = uint32(d.Val)
		case elf.DT_NEEDED:
			si.Needed = append(si.Needed, uint32(d.Val))
		}
	}
	si.PltCount = pltSize / l.relEntSize(si.PltType)
	si.RelaCount = relaSize / l.relaSize
	si.RelCount = relSize / l.relSize
	si.InitArrayCount = initSize / l.ptrSize
	si.FiniArrayCount = finiSize / l.ptrSize
	return si
}
