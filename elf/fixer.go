package elf

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// Fixer recovers section data for a module whose mapped section headers are
// missing. A Fixer that succeeds installs its results into m.
type Fixer interface {
	Fix(m *Module) error
}

// FileFixer rebuilds section headers and the static symbol table from the
// on-disk image of the module.
type FileFixer struct {
	name string
	open func() (io.ReaderAt, io.Closer, error)
}

func NewFileFixer(path string) *FileFixer {
	return &FileFixer{
		name: path,
		open: func() (io.ReaderAt, io.Closer, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, nil, err
			}
			return f, f, nil
		},
	}
}

func NewReaderFixer(name string, r io.ReaderAt) *FileFixer {
	return &FileFixer{
		name: name,
		open: func() (io.ReaderAt, io.Closer, error) {
			return r, io.NopCloser(nil), nil
		},
	}
}

func (ff *FileFixer) String() string {
	return ff.name
}

func (ff *FileFixer) Fix(m *Module) error {
	r, closer, err := ff.open()
	if err != nil {
		return fmt.Errorf("fixer %s: %w", ff.name, err)
	}
	defer closer.Close()
	f, err := elf.NewFile(r)
	if err != nil {
		return fmt.Errorf("fixer %s: %w", ff.name, err)
	}
	if f.Class != m.image.Class() || f.Machine != m.image.Header.Machine {
		return fmt.Errorf("fixer %s: %s/%s does not match mapped %s/%s", ff.name, f.Class, f.Machine, m.image.Class(), m.image.Header.Machine)
	}
	if len(f.Sections) == 0 {
		return fmt.Errorf("fixer %s: no section headers", ff.name)
	}
	sections := make([]elf.SectionHeader, len(f.Sections))
	for i, s := range f.Sections {
		sections[i] = s.SectionHeader
	}
	strtab := make(map[uint32]string)
	if s := f.Section(".strtab"); s != nil {
		if data, err := s.Data(); err == nil {
			for off := 0; off < len(data); {
				end := off
				for end < len(data) && data[end] != 0 {
					end++
				}
				if end > off {
					strtab[uint32(off)] = string(data[off:end])
				}
				off = end + 1
			}
		}
	}
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("fixer %s: %w", ff.name, err)
	}
	symtab := make([]*Symbol, 0, len(syms))
	for i, s := range syms {
		symtab = append(symtab, &Symbol{
			Name:    s.Name,
			Index:   uint32(i + 1),
			Info:    s.Info,
			Other:   s.Other,
			Section: s.Section,
			Value:   s.Value,
			Size:    s.Size,
		})
	}
	m.install(sections, strtab, symtab)
	return nil
}
