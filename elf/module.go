package elf

import (
	"debug/elf"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/wnxd/microdbg-elfx/host"
)

const DefaultSymbolScanLimit = 1000

var (
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrSectionNotFound = errors.New("section not found")
)

// Module is a read-only dynamic linker view of one loaded shared object.
type Module struct {
	mod    host.Module
	mem    host.Memory
	prot   host.Protector
	logger log.Logger

	image   *Image
	sr      structReader
	soinfo  *Soinfo
	hash    elfHashTable
	gnuHash gnuHashTable

	dynSymbols []*Symbol
	extra      map[uint32]*Symbol
	rela       []Rela
	pltRela    []Rela

	sections []elf.SectionHeader
	strtab   map[uint32]string
	symtab   []*Symbol

	mu    sync.Mutex
	hooks map[string]host.Trampoline
}

type Option func(*options)

type options struct {
	fixers []Fixer
	limit  int
	prot   host.Protector
	logger log.Logger
}

func WithFixers(fixers ...Fixer) Option {
	return func(o *options) {
		o.fixers = append(o.fixers, fixers...)
	}
}

func WithSymbolScanLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

func WithProtector(p host.Protector) Option {
	return func(o *options) {
		o.prot = p
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New parses the module mapped at mod.Base. Only a malformed header is an error.
func New(mem host.Memory, mod host.Module, opts ...Option) (*Module, error) {
	o := options{limit: DefaultSymbolScanLimit, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	image, err := ParseImage(mem, mod.Base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mod.Name, err)
	}
	m := &Module{
		mod:    mod,
		mem:    mem,
		prot:   o.prot,
		logger: log.With(o.logger, "module", mod.Name),
		image:  image,
		sr:     image.sr,
		soinfo: prelink(image.Dyns, mod.Base, image.sr.layout),
		extra:  make(map[uint32]*Symbol),
		hooks:  make(map[string]host.Trampoline),
	}
	if m.soinfo != nil {
		m.parseHash()
		m.scanSymbols(o.limit)
	}
	if sections, err := image.Sections(mod.Range()); err == nil {
		m.sections = sections
	} else {
		level.Debug(m.logger).Log("msg", "section headers unavailable", "err", err)
		m.fix(o.fixers)
	}
	if m.soinfo != nil {
		m.rela = m.readRelocs(m.soinfo.Rela, m.soinfo.RelaCount, elf.DT_RELA)
		m.rela = append(m.rela, m.readRelocs(m.soinfo.Rel, m.soinfo.RelCount, elf.DT_REL)...)
		m.pltRela = m.readRelocs(m.soinfo.PltRel, m.soinfo.PltCount, m.soinfo.PltType)
		m.link()
	}
	return m, nil
}

func (m *Module) fix(fixers []Fixer) {
	var errs error
	for _, f := range fixers {
		err := f.Fix(m)
		if err == nil {
			level.Info(m.logger).Log("msg", "section data recovered", "fixer", f, "sections", len(m.sections), "symtab", len(m.symtab))
			return
		}
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		level.Warn(m.logger).Log("msg", "no fixer succeeded", "err", errs)
	}
}

func (m *Module) install(sections []elf.SectionHeader, strtab map[uint32]string, symtab []*Symbol) {
	m.sections = sections
	m.strtab = strtab
	for _, sym := range symtab {
		sym.Addr = resolveAddr(sym, m.Range())
	}
	m.symtab = symtab
}

func (m *Module) Name() string {
	return m.mod.Name
}

func (m *Module) Path() string {
	return m.mod.Path
}

func (m *Module) Base() uint64 {
	return m.mod.Base
}

func (m *Module) Size() uint64 {
	return m.mod.Size
}

func (m *Module) Range() host.Range {
	return m.mod.Range()
}

func (m *Module) Image() *Image {
	return m.image
}

func (m *Module) Soinfo() *Soinfo {
	return m.soinfo
}

func (m *Module) Relocations() []Rela {
	return append(append([]Rela(nil), m.rela...), m.pltRela...)
}

func (m *Module) IsMyAddr(addr uint64) bool {
	return m.Range().Contains(addr)
}

func (m *Module) FromAddress(addr uint64) string {
	if !m.IsMyAddr(addr) {
		return fmt.Sprintf("%#x", addr)
	}
	return fmt.Sprintf("%#x %s!%#x", addr, m.mod.Name, addr-m.mod.Base)
}

func (m *Module) dynString(off uint32) (string, error) {
	si := m.soinfo
	if uint64(off) >= si.StrtabSize {
		return "", fmt.Errorf("string offset %#x beyond DT_STRSZ %#x", off, si.StrtabSize)
	}
	return m.sr.cstring(si.Strtab+uint64(off), si.StrtabSize-uint64(off))
}

// scanSymbols reads .dynsym from index 0 until limit or the first entry
// whose name cannot be read. The hash table size, when known, also bounds it.
func (m *Module) scanSymbols(limit int) {
	if m.soinfo.Symtab == 0 {
		return
	}
	if n, ok := m.symbolCount(); ok && int(n) < limit {
		limit = int(n)
	}
	for i := 0; i < limit; i++ {
		sym, err := m.readSymbol(uint32(i))
		if err != nil {
			level.Debug(m.logger).Log("msg", "symbol scan stopped", "index", i, "err", err)
			break
		}
		m.dynSymbols = append(m.dynSymbols, sym)
	}
}

func (m *Module) readSymbol(idx uint32) (*Symbol, error) {
	raw, err := m.sr.sym(m.soinfo.Symtab + uint64(idx)*m.soinfo.SymEnt)
	if err != nil {
		return nil, err
	}
	name, err := m.dynString(raw.NameOff)
	if err != nil {
		return nil, err
	}
	sym := &raw
	sym.Name = name
	sym.Index = idx
	sym.Dynamic = true
	sym.Addr = resolveAddr(sym, m.Range())
	return sym, nil
}

func (m *Module) symbolAt(idx uint32) (*Symbol, error) {
	if int(idx) < len(m.dynSymbols) {
		return m.dynSymbols[idx], nil
	}
	if sym, ok := m.extra[idx]; ok {
		return sym, nil
	}
	sym, err := m.readSymbol(idx)
	if err != nil {
		return nil, err
	}
	m.extra[idx] = sym
	return sym, nil
}

// Symbol finds a symbol by name in .dynsym, then through the hash tables,
// then in a recovered .symtab.
func (m *Module) Symbol(name string) (*Symbol, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(name)
}

func (m *Module) lookup(name string) (*Symbol, bool) {
	for _, sym := range m.dynSymbols {
		if sym.Name == name {
			return sym, true
		}
	}
	if m.soinfo != nil {
		if sym, ok := m.hashLookup(name); ok {
			return sym, true
		}
	}
	for _, sym := range m.symtab {
		if sym.Name == name {
			return sym, true
		}
	}
	return nil, false
}

func (m *Module) FindSymbol(name string) (uint64, error) {
	sym, ok := m.Symbol(name)
	if !ok {
		return 0, fmt.Errorf("%s in %s: %w", name, m.mod.Name, ErrSymbolNotFound)
	}
	return sym.Addr, nil
}

func (m *Module) Symbols(yield func(*Symbol) bool) {
	for _, sym := range m.dynSymbols {
		if !yield(sym) {
			return
		}
	}
	for _, sym := range m.symtab {
		if !yield(sym) {
			return
		}
	}
}

func (m *Module) StaticString(off uint32) (string, bool) {
	s, ok := m.strtab[off]
	return s, ok
}

func (m *Module) Sections() []elf.SectionHeader {
	return m.sections
}

func (m *Module) Section(name string) (host.Range, error) {
	for _, s := range m.sections {
		if s.Name != name {
			continue
		}
		if s.Flags&elf.SHF_ALLOC == 0 || s.Addr == 0 {
			return host.Range{}, fmt.Errorf("section %s is not mapped", name)
		}
		return host.Range{Base: m.mod.Base + s.Addr, Size: s.Size}, nil
	}
	return host.Range{}, fmt.Errorf("%s in %s: %w", name, m.mod.Name, ErrSectionNotFound)
}

func (m *Module) Soname() string {
	if m.soinfo == nil || m.soinfo.Soname == 0 {
		return ""
	}
	name, _ := m.dynString(m.soinfo.Soname)
	return name
}

func (m *Module) Needed() []string {
	if m.soinfo == nil {
		return nil
	}
	var needed []string
	for _, off := range m.soinfo.Needed {
		if name, err := m.dynString(off); err == nil {
			needed = append(needed, name)
		}
	}
	return needed
}

func (m *Module) InitArray() []uint64 {
	if m.soinfo == nil {
		return nil
	}
	return m.readArray(m.soinfo.InitArray, m.soinfo.InitArrayCount)
}

func (m *Module) FiniArray() []uint64 {
	if m.soinfo == nil {
		return nil
	}
	return m.readArray(m.soinfo.FiniArray, m.soinfo.FiniArrayCount)
}

func (m *Module) readArray(addr, count uint64) (arr []uint64) {
	if addr == 0 {
		return nil
	}
	for i := uint64(0); i < count; i++ {
		v, err := m.sr.ptr(addr + i*m.sr.layout.ptrSize)
		if err != nil {
			break
		}
		arr = append(arr, v)
	}
	return
}

type hex uint64

func (h hex) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}
