package host

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const PageSize = 0x1000

var (
	ErrUnmapped       = errors.New("address not mapped")
	ErrProtection     = errors.New("access violates page protection")
	ErrModuleNotFound = errors.New("module not found")
)

// Memory is the target address space. Offsets passed to ReadAt and WriteAt
// are absolute virtual addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
	ProtRX        = ProtRead | ProtExec
	ProtAll       = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	var sb strings.Builder
	for _, v := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&v.bit != 0 {
			sb.WriteByte(v.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// ParseProt accepts "rwx" style strings, including the four character
// permission column of /proc/<pid>/maps.
func ParseProt(s string) Prot {
	var p Prot
	for i, c := range s {
		switch {
		case i == 0 && c == 'r':
			p |= ProtRead
		case i == 1 && c == 'w':
			p |= ProtWrite
		case i == 2 && c == 'x':
			p |= ProtExec
		}
	}
	return p
}

type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 {
	return r.Base + r.Size
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// Region is a run of pages sharing one protection.
type Region struct {
	Range
	Prot Prot
	Path string
}

type Protector interface {
	// Region returns the mapping that contains addr.
	Region(addr uint64) (Region, error)
	Protect(addr, size uint64, prot Prot) error
}

// Module is a loaded image as reported by the host runtime.
type Module struct {
	Name string
	Path string
	Base uint64
	Size uint64
}

func (m Module) Range() Range {
	return Range{Base: m.Base, Size: m.Size}
}

type ModuleFinder interface {
	FindModule(name string) (Module, error)
}

type Process interface {
	Memory
	Protector
	ModuleFinder
}

func PageStart(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

func PageEnd(addr uint64) uint64 {
	return PageStart(addr + PageSize - 1)
}
