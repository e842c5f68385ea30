package insn

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/arm64/arm64asm"
)

const Size = 4

var (
	ErrEndOfInput = errors.New("end of instruction stream")
	ErrMisaligned = errors.New("misaligned instruction address")
)

// Inst is a decoded AArch64 instruction together with the address it was read from.
type Inst struct {
	Addr uint64
	arm64asm.Inst
}

func (i Inst) Next() uint64 {
	return i.Addr + Size
}

func (i Inst) String() string {
	return fmt.Sprintf("%#x: %s", i.Addr, i.Inst.String())
}

func (i Inst) pcrel() (arm64asm.PCRel, bool) {
	for _, arg := range i.Args {
		if arg == nil {
			break
		}
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return rel, true
		}
	}
	return 0, false
}

// BranchTarget returns the destination of an immediate branch (b, bl, b.cond, cbz, tbz, ...).
func (i Inst) BranchTarget() (uint64, bool) {
	switch i.Op {
	case arm64asm.B, arm64asm.BL, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		if rel, ok := i.pcrel(); ok {
			return i.Addr + uint64(rel), true
		}
	}
	return 0, false
}

// PageTarget returns the page address an adrp materialises.
func (i Inst) PageTarget() (uint64, bool) {
	if i.Op != arm64asm.ADRP {
		return 0, false
	}
	rel, ok := i.pcrel()
	if !ok {
		return 0, false
	}
	return i.Addr&^0xfff + uint64(rel), true
}

// Dest returns the destination register number of an adrp.
func (i Inst) Dest() uint8 {
	return uint8(i.Enc & 0x1f)
}

// AddImm decodes "add <d>, <n>, #imm{, lsl #12}". The mov alias of a zero
// immediate is accepted as well.
func (i Inst) AddImm() (rd, rn uint8, imm uint64, ok bool) {
	if i.Enc&0x7f800000 != 0x11000000 {
		return 0, 0, 0, false
	}
	imm = uint64(i.Enc>>10) & 0xfff
	if i.Enc&(1<<22) != 0 {
		imm <<= 12
	}
	return uint8(i.Enc & 0x1f), uint8(i.Enc>>5) & 0x1f, imm, true
}

// IsUnconditionalBranch reports b <label> and br <Xn>. Calls and
// conditional branches are not included.
func (i Inst) IsUnconditionalBranch() bool {
	switch i.Op {
	case arm64asm.BR:
		return true
	case arm64asm.B:
		_, ok := i.Args[0].(arm64asm.PCRel)
		return ok
	}
	return false
}

func (i Inst) IsCall() bool {
	return i.Op == arm64asm.BL || i.Op == arm64asm.BLR
}

// Decoder is the single-instruction decoder of the host runtime.
type Decoder interface {
	Decode(addr uint64) (Inst, error)
}

// ArmDecoder reads one word at a time from r and decodes it with arm64asm.
type ArmDecoder struct {
	r io.ReaderAt
}

func NewDecoder(r io.ReaderAt) *ArmDecoder {
	return &ArmDecoder{r: r}
}

func (d *ArmDecoder) Decode(addr uint64) (Inst, error) {
	if addr%Size != 0 {
		return Inst{}, fmt.Errorf("%#x: %w", addr, ErrMisaligned)
	}
	var buf [Size]byte
	if _, err := d.r.ReadAt(buf[:], int64(addr)); err != nil {
		return Inst{}, fmt.Errorf("read %#x: %w", addr, err)
	}
	in, err := arm64asm.Decode(buf[:])
	if err != nil {
		return Inst{}, fmt.Errorf("decode %#x: %w", addr, err)
	}
	return Inst{Addr: addr, Inst: in}, nil
}
