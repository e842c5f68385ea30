package host

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Image is a flat, page-protected address space held in process memory.
// It backs offline analysis of on-disk files and stands in for a live
// process in tests.
type Image struct {
	mu      sync.RWMutex
	base    uint64
	data    []byte
	prots   []Prot
	sealed  []bool
	modules []Module
}

// NewImage allocates size bytes (rounded up to whole pages) at the
// page-aligned base with every page mapped rwx.
func NewImage(base, size uint64) *Image {
	base = PageStart(base)
	size = PageEnd(size)
	pages := size / PageSize
	im := &Image{
		base:   base,
		data:   make([]byte, size),
		prots:  make([]Prot, pages),
		sealed: make([]bool, pages),
	}
	for i := range im.prots {
		im.prots[i] = ProtAll
	}
	return im
}

// NewImageFrom maps a copy of data at base.
func NewImageFrom(base uint64, data []byte) *Image {
	im := NewImage(base, uint64(len(data)))
	copy(im.data, data)
	return im
}

func (im *Image) Base() uint64 {
	return im.base
}

func (im *Image) Size() uint64 {
	return uint64(len(im.data))
}

func (im *Image) Range() Range {
	return Range{Base: im.base, Size: im.Size()}
}

func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.access(p, uint64(off), ProtRead, func(p, mem []byte) { copy(p, mem) })
}

func (im *Image) WriteAt(p []byte, off int64) (int, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.access(p, uint64(off), ProtWrite, func(p, mem []byte) { copy(mem, p) })
}

func (im *Image) access(p []byte, addr uint64, need Prot, do func(p, mem []byte)) (int, error) {
	n := 0
	for n < len(p) {
		cur := addr + uint64(n)
		if cur < im.base || cur-im.base >= uint64(len(im.data)) {
			return n, fmt.Errorf("%#x: %w", cur, ErrUnmapped)
		}
		off := cur - im.base
		page := off / PageSize
		if im.prots[page]&need == 0 {
			return n, fmt.Errorf("%#x %s: %w", cur, im.prots[page], ErrProtection)
		}
		chunk := min(uint64(len(p)-n), (page+1)*PageSize-off)
		do(p[n:n+int(chunk)], im.data[off:off+chunk])
		n += int(chunk)
	}
	return n, nil
}

func (im *Image) Region(addr uint64) (Region, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if addr < im.base || addr-im.base >= uint64(len(im.data)) {
		return Region{}, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
	}
	page := (addr - im.base) / PageSize
	prot := im.prots[page]
	first, last := page, page
	for first > 0 && im.prots[first-1] == prot {
		first--
	}
	for last+1 < uint64(len(im.prots)) && im.prots[last+1] == prot {
		last++
	}
	return Region{
		Range: Range{Base: im.base + first*PageSize, Size: (last - first + 1) * PageSize},
		Prot:  prot,
	}, nil
}

func (im *Image) Protect(addr, size uint64, prot Prot) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	first, last, err := im.pages(addr, size)
	if err != nil {
		return err
	}
	for i := first; i < last; i++ {
		if im.sealed[i] {
			return fmt.Errorf("page %#x is sealed: %w", im.base+i*PageSize, ErrProtection)
		}
	}
	for i := first; i < last; i++ {
		im.prots[i] = prot
	}
	return nil
}

// Seal pins the protection of the pages covering [addr, addr+size);
// later Protect calls on them fail.
func (im *Image) Seal(addr, size uint64) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	first, last, err := im.pages(addr, size)
	if err != nil {
		return err
	}
	for i := first; i < last; i++ {
		im.sealed[i] = true
	}
	return nil
}

func (im *Image) pages(addr, size uint64) (uint64, uint64, error) {
	start, end := PageStart(addr), PageEnd(addr+size)
	if start < im.base || end-im.base > uint64(len(im.data)) || end < start {
		return 0, 0, fmt.Errorf("%#x-%#x: %w", start, end, ErrUnmapped)
	}
	return (start - im.base) / PageSize, (end - im.base) / PageSize, nil
}

func (im *Image) AddModule(m Module) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.modules = append(im.modules, m)
}

func (im *Image) Modules() []Module {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return append([]Module(nil), im.modules...)
}

func (im *Image) FindModule(name string) (Module, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	for _, m := range im.modules {
		if m.Name == name || filepath.Base(m.Path) == name {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}
