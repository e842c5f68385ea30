package xref

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg-elfx/insn"
	"github.com/wnxd/microdbg-elfx/scan"
	"golang.org/x/arch/arm64/arm64asm"
)

const DefaultMaxGap = 16

// Xref finds the adrp/add pairs that materialise one target address.
type Xref struct {
	target  uint64
	mem     io.ReaderAt
	dec     insn.Decoder
	scanner scan.Scanner
	prot    host.Protector
	logger  log.Logger
}

type Option func(*Xref)

func WithDecoder(dec insn.Decoder) Option {
	return func(x *Xref) {
		x.dec = dec
	}
}

func WithScanner(s scan.Scanner) Option {
	return func(x *Xref) {
		x.scanner = s
	}
}

func WithProtector(p host.Protector) Option {
	return func(x *Xref) {
		x.prot = p
	}
}

func WithLogger(l log.Logger) Option {
	return func(x *Xref) {
		x.logger = l
	}
}

func New(target uint64, mem io.ReaderAt, opts ...Option) *Xref {
	x := &Xref{target: target, mem: mem, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(x)
	}
	if x.dec == nil {
		x.dec = insn.NewDecoder(mem)
	}
	if x.scanner == nil {
		x.scanner = scan.NewScanner(mem)
	}
	x.logger = log.With(x.logger, "target", hex(target))
	return x
}

func (x *Xref) Target() uint64 {
	return x.target
}

func (x *Xref) Decoder() insn.Decoder {
	return x.dec
}

// ScanAdrl returns every candidate of the synthesised signatures that
// verifies. maxGap <= 0 uses DefaultMaxGap.
func (x *Xref) ScanAdrl(r host.Range, maxGap int) ([]*Adrl, error) {
	release := x.guard(r)
	defer release()

	var out []*Adrl
	for _, sub := range Patterns(x.target, r) {
		level.Debug(x.logger).Log("msg", "scanning", "range", sub)
		hits, err := x.scanner.Scan(sub.Range, sub.Pattern)
		if err != nil {
			return out, fmt.Errorf("scan %s: %w", sub.Range, err)
		}
		for _, hit := range hits {
			pc := hit - uint64(sub.AlignOffset)
			if pc%insn.Size != 0 || !sub.Contains(pc) || !x.pointsHere(pc) {
				continue
			}
			if a := x.Verify(pc, maxGap); a != nil {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// ScanAdrlSlow visits r page by page with the one exact adrp encoding each
// page can use. Pages that cannot be read are skipped.
func (x *Xref) ScanAdrlSlow(r host.Range, maxGap int) ([]*Adrl, error) {
	release := x.guard(r)
	defer release()

	var out []*Adrl
	for page := host.PageStart(r.Base); page < r.End(); page += host.PageSize {
		delta := PageDelta(page, x.target)
		if delta < MinPageDelta || delta > MaxPageDelta {
			continue
		}
		lo, hi := max(page, r.Base), min(page+host.PageSize, r.End())
		p := scan.Word(EncodeAdrp(0, delta), adrpExactMask)
		hits, err := x.scanner.Scan(host.Range{Base: lo, Size: hi - lo}, p)
		if err != nil {
			level.Debug(x.logger).Log("msg", "page skipped", "page", hex(page), "err", err)
			continue
		}
		for _, pc := range hits {
			if pc%insn.Size != 0 {
				continue
			}
			if a := x.Verify(pc, maxGap); a != nil {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (x *Xref) Verify(addr uint64, maxGap int) *Adrl {
	in, err := x.dec.Decode(addr)
	if err != nil {
		level.Debug(x.logger).Log("msg", "candidate rejected", "addr", hex(addr), "err", err)
		return nil
	}
	if in.Op != arm64asm.ADRP {
		level.Debug(x.logger).Log("msg", "candidate rejected", "addr", hex(addr), "insn", in.Op)
		return nil
	}
	a := &Adrl{seq: insn.SequenceFrom(x.dec, in), Adrp: in, logger: x.logger}
	a.Resolved, a.Add = a.resolve(maxGap)
	if a.Resolved != x.target {
		level.Debug(x.logger).Log("msg", "candidate rejected", "addr", hex(addr), "resolved", hex(a.Resolved))
		return nil
	}
	return a
}

func (x *Xref) pointsHere(pc uint64) bool {
	var buf [insn.Size]byte
	if _, err := x.mem.ReadAt(buf[:], int64(pc)); err != nil {
		return false
	}
	return isAdrpTo(binary.LittleEndian.Uint32(buf[:]), pc, x.target)
}

func (x *Xref) guard(r host.Range) func() {
	if x.prot == nil {
		return func() {}
	}
	g, err := host.Acquire(x.prot, r.Base, r.Size, host.AddProt(host.ProtRead))
	if err != nil {
		level.Warn(x.logger).Log("msg", "cannot make scan range readable", "range", r, "err", err)
		return func() {}
	}
	return func() {
		if err := g.Release(); err != nil {
			level.Warn(x.logger).Log("msg", "restore protection", "range", r, "err", err)
		}
	}
}

type hex uint64

func (h hex) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}
