package elf

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
)

var ErrHashBounds = errors.New("hash table exceeds module")

type elfHashTable struct {
	buckets []uint32
	chains  []uint32
}

type gnuHashTable struct {
	symbias uint32
	shift   uint32
	indexes []uint64
	buckets []uint32
	chain   uint64
}

func elfHash(name string) uint32 {
	var h uint32
	for _, v := range []byte(name) {
		h = (h << 4) + uint32(v)
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
			h &= ^g
		}
	}
	return h
}

func gnuHash(name string) uint32 {
	var h uint32 = 5381
	for _, v := range []byte(name) {
		h += (h << 5) + uint32(v)
	}
	return h
}

func (m *Module) parseHash() {
	si := m.soinfo
	if si.Hash != 0 {
		if err := m.parseElfHash(si.Hash); err != nil {
			level.Debug(m.logger).Log("msg", "DT_HASH unreadable", "err", err)
			m.hash = elfHashTable{}
		}
	}
	if si.GnuHash != 0 {
		if err := m.parseGnuHash(si.GnuHash); err != nil {
			level.Debug(m.logger).Log("msg", "DT_GNU_HASH unreadable", "err", err)
			m.gnuHash = gnuHashTable{}
		}
	}
}

func (m *Module) parseElfHash(addr uint64) error {
	nbucket, err := m.sr.u32(addr)
	if err != nil {
		return err
	}
	nchain, err := m.sr.u32(addr + 4)
	if err != nil {
		return err
	}
	if err := m.within(addr, 8+4*(uint64(nbucket)+uint64(nchain))); err != nil {
		return err
	}
	m.hash.buckets = make([]uint32, nbucket)
	m.hash.chains = make([]uint32, nchain)
	if err := m.sr.read(addr+8, m.hash.buckets); err != nil {
		return err
	}
	return m.sr.read(addr+8+4*uint64(nbucket), m.hash.chains)
}

func (m *Module) parseGnuHash(addr uint64) error {
	var hdr [4]uint32
	if err := m.sr.read(addr, hdr[:]); err != nil {
		return err
	}
	nbucket, nbitmask := hdr[0], hdr[2]
	m.gnuHash.symbias, m.gnuHash.shift = hdr[1], hdr[3]
	if err := m.within(addr, 16+m.sr.layout.ptrSize*uint64(nbitmask)+4*uint64(nbucket)); err != nil {
		return err
	}
	m.gnuHash.indexes = make([]uint64, nbitmask)
	m.gnuHash.buckets = make([]uint32, nbucket)
	cur := addr + 16
	switch m.sr.layout.class {
	case elf.ELFCLASS32:
		words := make([]uint32, nbitmask)
		if err := m.sr.read(cur, words); err != nil {
			return err
		}
		for i, w := range words {
			m.gnuHash.indexes[i] = uint64(w)
		}
		cur += 4 * uint64(nbitmask)
	default:
		if err := m.sr.read(cur, m.gnuHash.indexes); err != nil {
			return err
		}
		cur += 8 * uint64(nbitmask)
	}
	if err := m.sr.read(cur, m.gnuHash.buckets); err != nil {
		return err
	}
	m.gnuHash.chain = cur + 4*uint64(nbucket)
	return nil
}

// within rejects table sizes read from memory that run past the module.
func (m *Module) within(addr, size uint64) error {
	r := m.Range()
	if addr < r.Base || addr >= r.End() || size > r.End()-addr {
		return fmt.Errorf("%w: %d bytes at %#x", ErrHashBounds, size, addr)
	}
	return nil
}

func (m *Module) gnuChain(index uint32) (uint32, bool) {
	v, err := m.sr.u32(m.gnuHash.chain + 4*uint64(index-m.gnuHash.symbias))
	return v, err == nil
}

// symbolCount is the size of .dynsym as implied by the hash tables.
func (m *Module) symbolCount() (uint32, bool) {
	if n := len(m.hash.chains); n != 0 {
		return uint32(n), true
	}
	if len(m.gnuHash.buckets) == 0 {
		return 0, false
	}
	var last uint32
	for _, b := range m.gnuHash.buckets {
		last = max(last, b)
	}
	if last < m.gnuHash.symbias {
		return m.gnuHash.symbias, true
	}
	for {
		v, ok := m.gnuChain(last)
		if !ok {
			return 0, false
		}
		if v&1 != 0 {
			return last + 1, true
		}
		last++
	}
}

// hashLookup finds a defined dynamic symbol through DT_GNU_HASH or DT_HASH.
func (m *Module) hashLookup(name string) (*Symbol, bool) {
	if sym, ok := m.gnuHashLookup(name); ok {
		return sym, true
	}
	if len(m.hash.buckets) == 0 {
		return nil, false
	}
	h := elfHash(name)
	for idx := m.hash.buckets[h%uint32(len(m.hash.buckets))]; idx != 0 && int(idx) < len(m.hash.chains); idx = m.hash.chains[idx] {
		sym, err := m.symbolAt(idx)
		if err != nil {
			break
		}
		if sym.Name == name && !sym.IsImport() {
			return sym, true
		}
	}
	return nil, false
}

func (m *Module) gnuHashLookup(name string) (*Symbol, bool) {
	if len(m.gnuHash.buckets) == 0 || len(m.gnuHash.indexes) == 0 {
		return nil, false
	}
	h := gnuHash(name)
	bits := uint32(m.sr.layout.ptrSize * 8)
	word := m.gnuHash.indexes[(h/bits)%uint32(len(m.gnuHash.indexes))]
	mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>m.gnuHash.shift)%bits)
	if word&mask != mask {
		return nil, false
	}
	idx := m.gnuHash.buckets[h%uint32(len(m.gnuHash.buckets))]
	if idx < m.gnuHash.symbias {
		return nil, false
	}
	for ; ; idx++ {
		chain, ok := m.gnuChain(idx)
		if !ok {
			return nil, false
		}
		if chain|1 == h|1 {
			sym, err := m.symbolAt(idx)
			if err != nil {
				return nil, false
			}
			if sym.Name == name && !sym.IsImport() {
				return sym, true
			}
		}
		if chain&1 != 0 {
			return nil, false
		}
	}
}
