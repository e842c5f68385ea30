package elf

import (
	"debug/elf"

	"github.com/go-kit/log/level"
)

// Rela is a relocation record; REL records are read with a zero addend.
type Rela struct {
	Off    uint64
	Info   uint64
	Addend int64
}

func (m *Module) readRelocs(addr, count uint64, tag elf.DynTag) []Rela {
	if addr == 0 || count == 0 {
		return nil
	}
	size := m.sr.layout.relEntSize(tag)
	rels := make([]Rela, 0, count)
	for i := uint64(0); i < count; i++ {
		rel, err := m.sr.rel(addr+i*size, tag)
		if err != nil {
			level.Debug(m.logger).Log("msg", "relocation table truncated", "addr", hex(addr), "index", i, "err", err)
			break
		}
		rels = append(rels, rel)
	}
	return rels
}

// link records, for every relocation that names a symbol, the cell it
// patches and the target currently stored there. Symbols this module has
// hooked keep their pre-patch state.
func (m *Module) link() {
	for _, rels := range [][]Rela{m.rela, m.pltRela} {
		for _, rel := range rels {
			idx, typ := m.sr.layout.relInfo(rel.Info)
			if typ == 0 || idx == 0 || rel.Off == 0 {
				continue
			}
			if int(idx) >= len(m.dynSymbols) {
				continue
			}
			sym := m.dynSymbols[idx]
			if sym.Name == "" || sym.hook != nil {
				continue
			}
			slot := m.mod.Base + rel.Off
			value, err := m.sr.ptr(slot)
			if err != nil {
				level.Debug(m.logger).Log("msg", "unreadable relocation slot", "sym", sym.Name, "slot", hex(slot), "err", err)
				continue
			}
			sym.Slot = slot
			sym.Addr = value
			sym.Original = value
		}
	}
}

// Relink repeats the linking pass, picking up slot changes made by others.
func (m *Module) Relink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link()
}
