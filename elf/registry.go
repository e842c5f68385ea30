package elf

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wnxd/microdbg-elfx/host"
)

const DefaultRegistrySize = 64

// Registry caches parsed modules by name for one process. Modules with an
// attached symbol are never dropped, since their trampolines must outlive
// the patch.
type Registry struct {
	proc   host.Process
	opts   []Option
	logger log.Logger

	mu     sync.Mutex
	cache  *lru.Cache[string, *Module]
	pinned map[string]*Module
}

func NewRegistry(proc host.Process, size int, logger log.Logger, opts ...Option) (*Registry, error) {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		proc:   proc,
		opts:   opts,
		logger: logger,
		pinned: make(map[string]*Module),
	}
	c, err := lru.NewWithEvict[string, *Module](size, func(name string, m *Module) {
		if m.Attached() {
			r.pinned[name] = m
			return
		}
		level.Debug(r.logger).Log("msg", "module evicted", "module", name)
	})
	if err != nil {
		return nil, fmt.Errorf("lru create %w", err)
	}
	r.cache = c
	return r, nil
}

// FindModuleByName returns the cached module or parses it from the process.
// With tryFix the module's on-disk file is offered as a FileFixer.
func (r *Registry) FindModuleByName(name string, tryFix bool) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache.Get(name); ok {
		return m, nil
	}
	if m, ok := r.pinned[name]; ok {
		if !m.Attached() {
			delete(r.pinned, name)
			r.cache.Add(name, m)
		}
		return m, nil
	}
	mod, err := r.proc.FindModule(name)
	if err != nil {
		return nil, err
	}
	opts := append([]Option{WithProtector(r.proc), WithLogger(r.logger)}, r.opts...)
	if tryFix && mod.Path != "" {
		opts = append(opts, WithFixers(NewFileFixer(mod.Path)))
	}
	m, err := New(r.proc, mod, opts...)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, m)
	return m, nil
}

// Forget drops a module that has no attached symbols.
func (r *Registry) Forget(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.pinned[name]; ok {
		if m.Attached() {
			return false
		}
		delete(r.pinned, name)
		return true
	}
	m, ok := r.cache.Peek(name)
	if !ok || m.Attached() {
		return false
	}
	r.cache.Remove(name)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len() + len(r.pinned)
}
