package xref

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg-elfx/insn"
	"golang.org/x/arch/arm64/arm64asm"
)

const (
	opNop = 0xd503201f
	opRet = 0xd65f03c0
)

func put(t *testing.T, im *host.Image, addr uint64, words ...uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	_, err := im.WriteAt(buf, int64(addr))
	require.NoError(t, err)
}

func addrs(matches []*Adrl) []uint64 {
	out := make([]uint64, len(matches))
	for i, m := range matches {
		out[i] = m.Addr()
	}
	return out
}

func TestCountLeadingSignBits(t *testing.T) {
	assert.Equal(t, 21, CountLeadingSignBits(0, 21))
	assert.Equal(t, 20, CountLeadingSignBits(1, 21))
	assert.Equal(t, 21, CountLeadingSignBits(0x1fffff, 21))
	assert.Equal(t, 1, CountLeadingSignBits(0x100000, 21))
	assert.Equal(t, 1, CountLeadingSignBits(0x0fffff, 21))
	assert.Equal(t, 15, CountLeadingSignBits(0x23, 21))
	assert.Equal(t, 32, CountLeadingSignBits(0xffffffff, 32))
}

func TestEncodeAdrp(t *testing.T) {
	for _, delta := range []int64{0, 1, 2, -1, -5, MaxPageDelta, MinPageDelta} {
		word := EncodeAdrp(3, delta)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], word)
		in, err := arm64asm.Decode(buf[:])
		require.NoError(t, err)
		require.Equal(t, arm64asm.ADRP, in.Op)

		pc := uint64(0x4000_0000)
		page, ok := insn.Inst{Addr: pc + 0x10, Inst: in}.PageTarget()
		require.True(t, ok)
		assert.Equal(t, pc+uint64(delta<<12), page, "delta %d", delta)
		assert.Equal(t, delta, adrpImm(word))
		assert.True(t, isAdrpTo(word, pc, page+0x123))
	}

	rd, rn, imm, ok := insn.Inst{Inst: arm64asm.Inst{Enc: EncodeAddImm(4, 5, 0xabc)}}.AddImm()
	require.True(t, ok)
	assert.Equal(t, []uint64{4, 5, 0xabc}, []uint64{uint64(rd), uint64(rn), imm})
}

func TestPatternsSplitAroundTarget(t *testing.T) {
	const target = 0x123456
	subs := Patterns(target, host.Range{Base: 0x100000, Size: 0x100000})
	require.Len(t, subs, 2)

	below, above := subs[0], subs[1]
	assert.False(t, below.Above)
	assert.Equal(t, host.Range{Base: 0x100000, Size: 0x24000}, below.Range)
	assert.Equal(t, 1, below.AlignOffset)
	assert.True(t, above.Above)
	assert.Equal(t, host.Range{Base: 0x124000, Size: 0xdc000}, above.Range)
	assert.Equal(t, 1, above.AlignOffset)

	check := func(sub SubRange, pc uint64, want bool) {
		word := EncodeAdrp(uint8(pc>>4)&0x1f, PageDelta(pc, target))
		assert.Equal(t, want, word&sub.Mask == sub.Value, "%s pc %#x", sub, pc)

		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], word)
		assert.Equal(t, want, sub.Pattern.Match(buf[sub.AlignOffset:]), "%s pc %#x", sub, pc)
	}
	for _, pc := range []uint64{0x100000, 0x10fffc, 0x123000, 0x123ffc} {
		check(below, pc, true)
		check(above, pc, false)
	}
	for _, pc := range []uint64{0x124000, 0x180000, 0x1ffffc} {
		check(above, pc, true)
		check(below, pc, false)
	}
}

func TestPatternsClampToReach(t *testing.T) {
	const target = 0x1_0000_0000
	subs := Patterns(target, host.Range{Base: 0, Size: 0x2_0000_0000})
	require.Len(t, subs, 2)
	assert.Equal(t, host.Range{Base: 0x1000, Size: 0x1_0000_0000}, subs[0].Range)
	assert.Equal(t, 2, subs[0].AlignOffset)
	assert.Equal(t, uint64(0x2_0000_0000), subs[1].End())
	assert.Equal(t, 2, subs[1].AlignOffset)

	subs = Patterns(target, host.Range{Base: 0x10_0000_0000, Size: 0x1000})
	assert.Empty(t, subs)

	subs = Patterns(0x5000, host.Range{Base: 0, Size: 0x5000})
	require.Len(t, subs, 1)
	assert.False(t, subs[0].Above)
}

func TestPatternsTargetPageOnly(t *testing.T) {
	subs := Patterns(0x12345, host.Range{Base: 0x12000, Size: 0x1000})
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(adrpExactMask), subs[0].Mask)
	assert.Equal(t, EncodeAdrp(0, 0), subs[0].Value)
}

const target = 0x12345

// fixture lays out adrp sequences around target:
//
//	0x10100 adrp x0 + add x0            -> target
//	0x10200 adrp x5 alone               -> target page
//	0x10400 adrp x3, add x3 from x4, add x3 -> target
//	0x10600 adrp x6 + add #imm+1        -> near miss
//	0x12800 adrp x1, nop, add x1, bl    -> target, same page
//	0x13000 adrp x2 + add x2            -> target, from the page above
func fixture(t *testing.T) *host.Image {
	im := host.NewImage(0x10000, 0x4000)
	fill := make([]uint32, 0x4000/4)
	for i := range fill {
		fill[i] = opNop
	}
	put(t, im, 0x10000, fill...)
	put(t, im, 0x10100, EncodeAdrp(0, 2), EncodeAddImm(0, 0, 0x345), opRet)
	put(t, im, 0x10200, EncodeAdrp(5, 2))
	put(t, im, 0x10400, EncodeAdrp(3, 2), EncodeAddImm(3, 4, 0x345), EncodeAddImm(3, 3, 0x345))
	put(t, im, 0x10600, EncodeAdrp(6, 2), EncodeAddImm(6, 6, 0x346))
	put(t, im, 0x12800, EncodeAdrp(1, 0), opNop, EncodeAddImm(1, 1, 0x345), 0x94000040)
	put(t, im, 0x13000, EncodeAdrp(2, -1), EncodeAddImm(2, 2, 0x345))
	return im
}

func TestScanAdrl(t *testing.T) {
	im := fixture(t)
	x := New(target, im)

	matches, err := x.ScanAdrl(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x10100, 0x10400, 0x12800, 0x13000}, addrs(matches))
	for _, m := range matches {
		assert.Equal(t, uint64(target), m.Resolved)
		require.NotNil(t, m.Add)
	}
	assert.Equal(t, uint64(0x10408), matches[1].Add.Addr)

	slow, err := x.ScanAdrlSlow(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	assert.Equal(t, addrs(matches), addrs(slow))

	put(t, im, 0x10104, EncodeAddImm(0, 0, 0x346))
	matches, err = x.ScanAdrl(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x10400, 0x12800, 0x13000}, addrs(matches))
}

func TestScanAdrlSubRange(t *testing.T) {
	im := fixture(t)
	matches, err := New(target, im).ScanAdrl(host.Range{Base: 0x10000, Size: 0x1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x10100, 0x10400}, addrs(matches))

	matches, err = New(target, im).ScanAdrl(host.Range{Base: 0x13000, Size: 0x1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x13000}, addrs(matches))
}

func TestScanAdrlPageOnly(t *testing.T) {
	im := fixture(t)
	matches, err := New(0x12000, im).ScanAdrl(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(0x10200), matches[0].Addr())
	assert.Nil(t, matches[0].Add)

	_, ok := matches[0].Target(true, DefaultMaxGap)
	assert.False(t, ok)
	resolved, ok := matches[0].Target(false, DefaultMaxGap)
	require.True(t, ok)
	assert.Equal(t, uint64(0x12000), resolved)
}

func TestVerify(t *testing.T) {
	im := fixture(t)
	x := New(target, im)

	a := x.Verify(0x10400, DefaultMaxGap)
	require.NotNil(t, a)
	assert.Equal(t, uint64(target), a.Resolved)

	assert.Nil(t, x.Verify(0x10600, DefaultMaxGap))
	assert.Nil(t, x.Verify(0x10104, DefaultMaxGap))
	assert.Nil(t, x.Verify(0x20000, DefaultMaxGap))

	a = x.Verify(0x10400, 1)
	assert.Nil(t, a)

	a = x.Verify(0x12800, DefaultMaxGap)
	require.NotNil(t, a)
	bl, ok := a.ScanBL(DefaultMaxGap)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1280c), bl.Addr)
	callee, ok := bl.BranchTarget()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1290c), callee)

	_, ok = x.Verify(0x10100, DefaultMaxGap).ScanBL(DefaultMaxGap)
	assert.False(t, ok)
}

func TestScanAdrlWithProtector(t *testing.T) {
	im := fixture(t)
	require.NoError(t, im.Protect(0x13000, 0x1000, host.ProtNone))

	matches, err := New(target, im).ScanAdrl(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	assert.NotContains(t, addrs(matches), uint64(0x13000))

	matches, err = New(target, im, WithProtector(im)).ScanAdrl(im.Range(), DefaultMaxGap)
	require.NoError(t, err)
	assert.Contains(t, addrs(matches), uint64(0x13000))

	region, err := im.Region(0x13000)
	require.NoError(t, err)
	assert.Equal(t, host.ProtNone, region.Prot)
}
