package insn

import (
	"golang.org/x/arch/arm64/arm64asm"
)

const (
	MaxThunkInsns  = 20
	ThunkThreshold = 50
)

type ScoreResult struct {
	Insns []Inst
	// EOI is the instruction that ended the walk, nil when the cap was reached.
	EOI   *Inst
	Score int
}

// IsThunk reports a short relay that ends in an unconditional branch.
func (r ScoreResult) IsThunk() bool {
	return r.Score > ThunkThreshold && r.EOI != nil
}

// Target is the branch destination of a thunk ending in b <label>.
func (r ScoreResult) Target() (uint64, bool) {
	if !r.IsThunk() {
		return 0, false
	}
	return r.EOI.BranchTarget()
}

// Subroutine is a candidate function entry.
type Subroutine struct {
	seq *Sequence
}

func NewSubroutine(dec Decoder, entry uint64) *Subroutine {
	return &Subroutine{seq: NewSequence(dec, entry)}
}

func (s *Subroutine) Entry() uint64 {
	return s.seq.Entry()
}

func (s *Subroutine) Sequence() *Sequence {
	return s.seq
}

func (s *Subroutine) ScoreThunk() ScoreResult {
	return s.Score(MaxThunkInsns)
}

// Score walks at most limit instructions. An unconditional branch adds 100
// and ends the walk, ret zeroes the score and ends it, frame setup costs 20
// and every instruction past the fifth costs 5.
func (s *Subroutine) Score(limit int) ScoreResult {
	var r ScoreResult
	for i, in := range s.seq.Insns {
		if i >= limit {
			break
		}
		r.Insns = append(r.Insns, in)
		switch {
		case in.IsUnconditionalBranch():
			r.Score += 100
			r.EOI = &r.Insns[len(r.Insns)-1]
			return r
		case in.Op == arm64asm.RET:
			r.Score = 0
			r.EOI = &r.Insns[len(r.Insns)-1]
			return r
		case (in.Op == arm64asm.STP || in.Op == arm64asm.LDP) && baseIsSP(in):
			r.Score -= 20
		case isArith(in) && destIsSP(in):
			r.Score -= 20
		}
		if i >= 5 {
			r.Score -= 5
		}
	}
	return r
}

func isSP(arg arm64asm.Arg) bool {
	return arg == arm64asm.RegSP(arm64asm.SP) || arg == arm64asm.RegSP(arm64asm.WSP)
}

func baseIsSP(in Inst) bool {
	for _, arg := range in.Args {
		if mem, ok := arg.(arm64asm.MemImmediate); ok {
			return isSP(mem.Base)
		}
	}
	return false
}

// isArith matches add and sub, including "mov sp, xN" which is an add alias.
func isArith(in Inst) bool {
	switch in.Op {
	case arm64asm.ADD, arm64asm.SUB:
		return true
	case arm64asm.MOV:
		_, _, _, ok := in.AddImm()
		return ok
	}
	return false
}

func destIsSP(in Inst) bool {
	return in.Args[0] != nil && isSP(in.Args[0])
}

// ResolveThunk follows addr through a short relay. When the code at addr
// scores as a thunk ending in b <label>, the label is returned; otherwise
// addr is returned unchanged.
func ResolveThunk(dec Decoder, addr uint64) (uint64, bool) {
	if target, ok := NewSubroutine(dec, addr).ScoreThunk().Target(); ok {
		return target, true
	}
	return addr, false
}
