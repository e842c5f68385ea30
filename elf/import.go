package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path/filepath"

	"github.com/wnxd/microdbg-elfx/host"
)

const DefaultLoadBase = 0x7000_0000

var ErrNotRelocatable = errors.New("not a position independent image")

// Load maps the PT_LOAD segments of the ELF at path into a fresh host.Image
// at base, the way a loader would before relocation. Nothing is relocated
// or executed.
func Load(path string, base uint64) (*host.Image, host.Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, host.Module{}, err
	}
	return loadFile(f, filepath.Base(path), path, base)
}

func LoadReader(name string, r io.ReaderAt, base uint64) (*host.Image, host.Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, host.Module{}, err
	}
	return loadFile(f, name, "", base)
}

func LoadFile(file fs.File, base uint64) (*host.Image, host.Module, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, host.Module{}, err
	}
	r, ok := file.(io.ReaderAt)
	if !ok {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(file); err != nil {
			return nil, host.Module{}, err
		}
		r = bytes.NewReader(buf.Bytes())
	}
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, host.Module{}, err
	}
	return loadFile(f, info.Name(), "", base)
}

func loadFile(f *elf.File, name, path string, base uint64) (*host.Image, host.Module, error) {
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return nil, host.Module{}, fmt.Errorf("%s: %s: %w", name, f.Type, ErrNotRelocatable)
	}
	var totalBegin uint64 = math.MaxUint64
	var totalEnd uint64 = 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < totalBegin {
			totalBegin = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > totalEnd {
			totalEnd = end
		}
	}
	if totalEnd == 0 {
		return nil, host.Module{}, fmt.Errorf("%s: no PT_LOAD segment", name)
	}
	if totalBegin != 0 {
		return nil, host.Module{}, fmt.Errorf("%s: first PT_LOAD at %#x: %w", name, totalBegin, ErrNotRelocatable)
	}
	base = host.PageStart(base)
	img := host.NewImage(base, totalEnd)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		w := io.NewOffsetWriter(img, int64(base+prog.Vaddr))
		if _, err := io.CopyN(w, prog.Open(), int64(prog.Filesz)); err != nil {
			return nil, host.Module{}, fmt.Errorf("%s: copy segment at %#x: %w", name, prog.Vaddr, err)
		}
	}
	// Protections are applied after every segment is copied; segments may
	// share a page.
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if err := img.Protect(base+prog.Vaddr, prog.Memsz, progProt(prog.Flags)); err != nil {
			return nil, host.Module{}, err
		}
	}
	mod := host.Module{Name: name, Path: path, Base: base, Size: img.Size()}
	img.AddModule(mod)
	return img, mod, nil
}

func progProt(flags elf.ProgFlag) host.Prot {
	var prot host.Prot
	if flags&elf.PF_R != 0 {
		prot |= host.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= host.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= host.ProtExec
	}
	return prot
}
