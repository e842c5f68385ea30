package xref

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/wnxd/microdbg-elfx/insn"
	"golang.org/x/arch/arm64/arm64asm"
)

// Adrl is a confirmed adrp, optionally paired with the add completing the address.
type Adrl struct {
	seq      *insn.Sequence
	logger   log.Logger
	Adrp     insn.Inst
	Add      *insn.Inst
	Resolved uint64
}

func (a *Adrl) Addr() uint64 {
	return a.Adrp.Addr
}

// With mustFindAdd a bare adrp does not count as a resolution.
func (a *Adrl) Target(mustFindAdd bool, maxGap int) (uint64, bool) {
	target, add := a.resolve(maxGap)
	if add == nil && mustFindAdd {
		return 0, false
	}
	return target, true
}

func (a *Adrl) resolve(maxGap int) (uint64, *insn.Inst) {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	page, _ := a.Adrp.PageTarget()
	rd := a.Adrp.Dest()
	for i := 1; i <= maxGap; i++ {
		in, ok := a.seq.At(i)
		if !ok {
			break
		}
		dst, src, imm, ok := in.AddImm()
		if !ok || dst != rd {
			continue
		}
		if src != rd {
			level.Debug(a.logger).Log("msg", "add overwrites adrp register", "addr", hex(in.Addr))
			continue
		}
		return page + imm, &in
	}
	return page, nil
}

func (a *Adrl) ScanBL(maxGap int) (insn.Inst, bool) {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	for i := 1; i <= maxGap; i++ {
		in, ok := a.seq.At(i)
		if !ok {
			break
		}
		if in.Op == arm64asm.BL {
			return in, true
		}
	}
	return insn.Inst{}, false
}

func (a *Adrl) String() string {
	if a.Add != nil {
		return a.Adrp.String() + "; " + a.Add.Inst.String() + " => " + hex(a.Resolved).String()
	}
	return a.Adrp.String() + " => " + hex(a.Resolved).String()
}
