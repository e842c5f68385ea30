// Package dbghost runs the resolver and the xref engine against a module
// loaded in a microdbg debugger.
package dbghost

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	elfx "github.com/wnxd/microdbg-elfx/elf"
	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/emulator"
)

// Host adapts a debugger to host.Memory and host.ModuleFinder. Emulated
// memory has no protection to change, so it is not a host.Protector.
type Host struct {
	dbg    debugger.Debugger
	emu    emulator.Emulator
	logger log.Logger
}

func New(dbg debugger.Debugger, logger log.Logger) *Host {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Host{dbg: dbg, emu: dbg.Emulator(), logger: logger}
}

func (h *Host) ReadAt(p []byte, off int64) (int, error) {
	return h.dbg.ToPointer(uint64(off)).ReadAt(p, 0)
}

func (h *Host) WriteAt(p []byte, off int64) (int, error) {
	return emulator.ToPointer(h.emu, uint64(off)).WriteAt(p, 0)
}

func (h *Host) FindModule(name string) (host.Module, error) {
	mod, err := h.dbg.FindModule(name)
	if err != nil {
		return host.Module{}, fmt.Errorf("%s: %w: %w", name, host.ErrModuleNotFound, err)
	}
	base, size := mod.Region()
	return host.Module{Name: mod.Name(), Base: base, Size: size}, nil
}

// Open parses a module of the debugger. The image must match the
// emulator's architecture.
func (h *Host) Open(name string, opts ...elfx.Option) (*elfx.Module, error) {
	mod, err := h.FindModule(name)
	if err != nil {
		return nil, err
	}
	m, err := elfx.New(h, mod, append([]elfx.Option{elfx.WithLogger(h.logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if machineToArch(m.Image().Header.Machine) != h.emu.Arch() {
		return nil, fmt.Errorf("%s: %s: %w", name, m.Image().Header.Machine, emulator.ErrArchMismatch)
	}
	return m, nil
}

// Handler observes a call through a patched slot before it continues at
// the original target.
type Handler func(ctx debugger.Context, original uint64)

// Hook builds trampolines out of debugger controls.
type Hook struct {
	h       *Host
	handler Handler
}

func (h *Host) Hook(handler Handler) *Hook {
	return &Hook{h: h, handler: handler}
}

type binding struct {
	sig      host.Signature
	original uint64
	handler  Handler
	ctrl     debugger.ControlHandler
}

func (hk *Hook) Bind(sig host.Signature, original uint64) (host.Trampoline, error) {
	b := &binding{sig: sig, original: original, handler: hk.handler}
	ctrl, err := hk.h.dbg.AddControl(forward, b)
	if err != nil {
		return nil, err
	}
	b.ctrl = ctrl
	level.Debug(hk.h.logger).Log("msg", "control added", "addr", fmt.Sprintf("%#x", ctrl.Addr()), "original", fmt.Sprintf("%#x", original), "abi", sig.ABI)
	return &trampoline{ctrl: ctrl}, nil
}

func forward(ctx debugger.Context, data any) {
	b := data.(*binding)
	if b.handler != nil {
		b.handler(ctx, b.original)
	}
	ctx.RegWrite(ctx.PC(), b.original)
}

type trampoline struct {
	ctrl debugger.ControlHandler
}

func (t *trampoline) Addr() uint64 {
	return t.ctrl.Addr()
}

func (t *trampoline) Close() error {
	t.ctrl.Close()
	return nil
}

func machineToArch(machine elf.Machine) emulator.Arch {
	switch machine {
	case elf.EM_ARM:
		return emulator.ARCH_ARM
	case elf.EM_AARCH64:
		return emulator.ARCH_ARM64
	case elf.EM_386:
		return emulator.ARCH_X86
	case elf.EM_X86_64:
		return emulator.ARCH_X86_64
	default:
		return emulator.ARCH_UNKNOWN
	}
}
