package scan

import (
	"bytes"
	"io"

	"github.com/wnxd/microdbg-elfx/host"
)

const DefaultChunkSize = 64 << 10

// Scanner reports the addresses inside r where p matches.
type Scanner interface {
	Scan(r host.Range, p Pattern) ([]uint64, error)
}

// MemoryScanner scans any address space exposed as an io.ReaderAt.
// Pages that cannot be read are skipped, not reported.
type MemoryScanner struct {
	r     io.ReaderAt
	limit int
	chunk uint64
}

type Option func(*MemoryScanner)

// WithLimit stops a scan after n hits. Zero means no limit.
func WithLimit(n int) Option {
	return func(s *MemoryScanner) {
		s.limit = n
	}
}

func WithChunkSize(n int) Option {
	return func(s *MemoryScanner) {
		if n > 0 {
			s.chunk = uint64(n)
		}
	}
}

func NewScanner(r io.ReaderAt, opts ...Option) *MemoryScanner {
	s := &MemoryScanner{r: r, chunk: DefaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryScanner) Scan(r host.Range, p Pattern) ([]uint64, error) {
	plen := p.Len()
	if plen == 0 || len(p.Mask) != plen {
		return nil, ErrBadPattern
	}
	var hits []uint64
	buf := make([]byte, s.chunk+uint64(plen-1))
	end := r.End()
	for off := r.Base; off < end; {
		want := min(uint64(len(buf)), end-off)
		n, _ := s.r.ReadAt(buf[:want], int64(off))
		if n < plen {
			off = host.PageStart(off+uint64(n)) + host.PageSize
			continue
		}
		step := min(n-plen+1, int(s.chunk))
		for _, i := range p.find(buf[:step+plen-1]) {
			hits = append(hits, off+uint64(i))
			if s.limit > 0 && len(hits) >= s.limit {
				return hits, nil
			}
		}
		off += uint64(step)
	}
	return hits, nil
}

// find returns every offset in b where p matches in full.
func (p Pattern) find(b []byte) []int {
	var out []int
	last := len(b) - len(p.Bytes)
	a := p.anchor()
	if a < 0 {
		for i := 0; i <= last; i++ {
			if p.Match(b[i:]) {
				out = append(out, i)
			}
		}
		return out
	}
	for i := 0; i <= last; {
		j := bytes.IndexByte(b[i+a:last+a+1], p.Bytes[a])
		if j < 0 {
			break
		}
		i += j
		if p.Match(b[i:]) {
			out = append(out, i)
		}
		i++
	}
	return out
}
