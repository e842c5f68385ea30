package elf

import (
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/wnxd/microdbg-elfx/host"
)

var (
	ErrNoSlot          = errors.New("symbol has no relocation slot")
	ErrNotWritable     = errors.New("relocation slot not writable")
	ErrAlreadyAttached = errors.New("symbol already attached")
	ErrNotAttached     = errors.New("symbol not attached")
)

var slotProts = []func(host.Prot) host.Prot{
	host.AddProt(host.ProtWrite),
	host.SetProt(host.ProtAll),
	host.SetProt(host.ProtRW),
	host.SetProt(host.ProtRX),
}

// AttachSymbol points the symbol's relocation slot at a trampoline bound to
// the previous slot value.
func (m *Module) AttachSymbol(name string, sig host.Signature, hook host.Hook) (host.Trampoline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym, ok := m.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", name, m.mod.Name, ErrSymbolNotFound)
	}
	if sym.hook != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrAlreadyAttached)
	}
	if sym.Slot == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSlot)
	}
	original, err := m.sr.ptr(sym.Slot)
	if err != nil {
		return nil, fmt.Errorf("%s: read slot %#x: %w", name, sym.Slot, err)
	}
	tramp, err := hook.Bind(sig, original)
	if err != nil {
		return nil, fmt.Errorf("%s: bind trampoline: %w", name, err)
	}
	if err := m.writeSlot(sym.Slot, tramp.Addr()); err != nil {
		tramp.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	sym.Original = original
	sym.hook = tramp
	m.hooks[name] = tramp
	level.Info(m.logger).Log("msg", "symbol attached", "sym", name, "slot", hex(sym.Slot), "original", hex(original), "trampoline", hex(tramp.Addr()))
	return tramp, nil
}

func (m *Module) DetachSymbol(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%s in %s: %w", name, m.mod.Name, ErrSymbolNotFound)
	}
	if sym.hook == nil {
		return fmt.Errorf("%s: %w", name, ErrNotAttached)
	}
	if err := m.writeSlot(sym.Slot, sym.Original); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	tramp := sym.hook
	sym.hook = nil
	delete(m.hooks, name)
	level.Info(m.logger).Log("msg", "symbol detached", "sym", name, "slot", hex(sym.Slot))
	return tramp.Close()
}

func (m *Module) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks) != 0
}

func (m *Module) writeSlot(slot, value uint64) error {
	if m.prot == nil {
		if err := m.sr.putPtr(m.mem, slot, value); err != nil {
			return fmt.Errorf("%w: %w", ErrNotWritable, err)
		}
		return nil
	}
	var errs error
	size := m.sr.layout.ptrSize
	for _, want := range slotProts {
		g, err := host.Acquire(m.prot, slot, size, want)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		err = m.sr.putPtr(m.mem, slot, value)
		if rerr := g.Release(); rerr != nil {
			level.Warn(m.logger).Log("msg", "protection not restored", "slot", hex(slot), "err", rerr)
		}
		if err == nil {
			return nil
		}
		errs = multierror.Append(errs, err)
	}
	return fmt.Errorf("%w at %#x: %w", ErrNotWritable, slot, errs)
}
