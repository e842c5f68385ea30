package elf

import (
	"debug/elf"

	"github.com/wnxd/microdbg-elfx/host"
)

type Symbol struct {
	Name    string
	Index   uint32
	NameOff uint32
	Info    uint8
	Other   uint8
	Section elf.SectionIndex
	// Value is st_value as stored in the table.
	Value uint64
	Size  uint64
	// Addr is the resolved address. For symbols reached by a relocation it
	// is the live call target read from Slot when the module was linked.
	Addr uint64
	// Slot is the relocation cell last seen referencing the symbol, zero if none.
	Slot uint64
	// Original is the slot content before this module patched it.
	Original uint64
	// Dynamic is set for .dynsym entries and clear for .symtab entries
	// recovered by a Fixer.
	Dynamic bool

	hook host.Trampoline
}

func (s *Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Symbol) IsImport() bool {
	return IsImportSymbol(s.Section, s.Info)
}

func (s *Symbol) Hooked() bool {
	return s.hook != nil
}

func IsImportSymbol(section elf.SectionIndex, info uint8) bool {
	if section != elf.SHN_UNDEF {
		return false
	}
	bind := elf.ST_BIND(info)
	return bind == elf.STB_GLOBAL || bind == elf.STB_WEAK
}

// resolveAddr applies the load bias to defined functions and objects whose
// value is not already an address inside the module.
func resolveAddr(sym *Symbol, mod host.Range) uint64 {
	if sym.Section == elf.SHN_UNDEF || sym.Section == elf.SHN_ABS {
		return sym.Value
	}
	if t := sym.Type(); t != elf.STT_FUNC && t != elf.STT_OBJECT {
		return sym.Value
	}
	if mod.Contains(sym.Value) {
		return sym.Value
	}
	return mod.Base + sym.Value
}
