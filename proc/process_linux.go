package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
	"github.com/wnxd/microdbg-elfx/host"
	"golang.org/x/sys/unix"
)

var ErrRemoteProtect = errors.New("protection of another process cannot be changed")

// Process is a host.Process over /proc/<pid>. Memory goes through
// /proc/<pid>/mem; protection changes are only possible in the current
// process.
type Process struct {
	pid    int
	fd     int
	self   bool
	root   string
	proc   procfs.Proc
	logger log.Logger
}

type Option func(*Process)

func WithLogger(l log.Logger) Option {
	return func(p *Process) {
		p.logger = l
	}
}

// WithMountPoint reads procfs from root instead of /proc.
func WithMountPoint(root string) Option {
	return func(p *Process) {
		p.root = root
	}
}

func Self(opts ...Option) (*Process, error) {
	return Open(os.Getpid(), opts...)
}

func Open(pid int, opts ...Option) (*Process, error) {
	p := &Process{pid: pid, self: pid == os.Getpid(), root: procfs.DefaultMountPoint, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	fs, err := procfs.NewFS(p.root)
	if err != nil {
		return nil, err
	}
	if p.proc, err = fs.Proc(pid); err != nil {
		return nil, err
	}
	path := p.path("mem")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		level.Debug(p.logger).Log("msg", "opening memory read-only", "path", path, "err", err)
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	p.fd = fd
	return p, nil
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Close() error {
	return unix.Close(p.fd)
}

func (p *Process) path(name string) string {
	return filepath.Join(p.root, strconv.Itoa(p.pid), name)
}

func (p *Process) ReadAt(b []byte, off int64) (int, error) {
	return p.rw(b, off, unix.Pread)
}

func (p *Process) WriteAt(b []byte, off int64) (int, error) {
	return p.rw(b, off, unix.Pwrite)
}

func (p *Process) rw(b []byte, off int64, op func(int, []byte, int64) (int, error)) (int, error) {
	n := 0
	for n < len(b) {
		m, err := op(p.fd, b[n:], off+int64(n))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EIO) || errors.Is(err, unix.EFAULT) {
				err = host.ErrUnmapped
			}
			return n, fmt.Errorf("%#x: %w", uint64(off)+uint64(n), err)
		}
		if m == 0 {
			return n, fmt.Errorf("%#x: %w", uint64(off)+uint64(n), host.ErrUnmapped)
		}
		n += m
	}
	return n, nil
}

func (p *Process) Maps() ([]Mapping, error) {
	pms, err := p.proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", p.pid, err)
	}
	maps := make([]Mapping, 0, len(pms))
	for _, pm := range pms {
		maps = append(maps, mapping(pm))
	}
	return maps, nil
}

func mapping(pm *procfs.ProcMap) Mapping {
	var prot host.Prot
	if pm.Perms != nil {
		if pm.Perms.Read {
			prot |= host.ProtRead
		}
		if pm.Perms.Write {
			prot |= host.ProtWrite
		}
		if pm.Perms.Execute {
			prot |= host.ProtExec
		}
	}
	return Mapping{
		Region: host.Region{
			Range: host.Range{Base: uint64(pm.StartAddr), Size: uint64(pm.EndAddr - pm.StartAddr)},
			Prot:  prot,
			Path:  strings.TrimSuffix(pm.Pathname, " (deleted)"),
		},
		Offset: uint64(pm.Offset),
		Dev:    fmt.Sprintf("%02x:%02x", unix.Major(pm.Dev), unix.Minor(pm.Dev)),
		Inode:  pm.Inode,
	}
}

func (p *Process) Modules() ([]host.Module, error) {
	maps, err := p.Maps()
	if err != nil {
		return nil, err
	}
	return Modules(maps), nil
}

func (p *Process) FindModule(name string) (host.Module, error) {
	maps, err := p.Maps()
	if err != nil {
		return host.Module{}, err
	}
	return findModule(maps, name)
}

func (p *Process) Region(addr uint64) (host.Region, error) {
	maps, err := p.Maps()
	if err != nil {
		return host.Region{}, err
	}
	return findRegion(maps, addr)
}

func (p *Process) Protect(addr, size uint64, prot host.Prot) error {
	if !p.self {
		return fmt.Errorf("pid %d: %w", p.pid, ErrRemoteProtect)
	}
	ps := uint64(unix.Getpagesize())
	start := addr &^ (ps - 1)
	length := (addr+size+ps-1)&^(ps-1) - start
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(length), uintptr(unixProt(prot)))
	if errno != 0 {
		return fmt.Errorf("mprotect %#x-%#x %s: %w", start, start+length, prot, errno)
	}
	return nil
}

func unixProt(prot host.Prot) int {
	v := unix.PROT_NONE
	if prot&host.ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if prot&host.ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if prot&host.ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}
