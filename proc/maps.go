// Package proc implements the host runtime for a live Linux process through
// procfs.
package proc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wnxd/microdbg-elfx/host"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	host.Region
	Offset uint64
	Dev    string
	Inode  uint64
}

// Modules groups file backed mappings into loaded images. An image starts
// at the mapping of file offset 0 and extends over the following mappings
// of the same file, including the anonymous .bss right after them.
func Modules(maps []Mapping) []host.Module {
	var mods []host.Module
	for i := 0; i < len(maps); i++ {
		m := maps[i]
		if m.Offset != 0 || !strings.HasPrefix(m.Path, "/") || m.Inode == 0 {
			continue
		}
		end := m.End()
		j := i + 1
		for ; j < len(maps); j++ {
			next := maps[j]
			if next.Path != m.Path && !(next.Path == "" && next.Base == end) {
				break
			}
			end = next.End()
		}
		mods = append(mods, host.Module{
			Name: filepath.Base(m.Path),
			Path: m.Path,
			Base: m.Base,
			Size: end - m.Base,
		})
		i = j - 1
	}
	return mods
}

func findModule(maps []Mapping, name string) (host.Module, error) {
	for _, mod := range Modules(maps) {
		if mod.Name == name || mod.Path == name {
			return mod, nil
		}
	}
	return host.Module{}, fmt.Errorf("%s: %w", name, host.ErrModuleNotFound)
}

func findRegion(maps []Mapping, addr uint64) (host.Region, error) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m.Region, nil
		}
	}
	return host.Region{}, fmt.Errorf("%#x: %w", addr, host.ErrUnmapped)
}
