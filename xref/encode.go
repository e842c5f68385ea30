package xref

const (
	adrpMask      = 0x9f000000
	adrpValue     = 0x90000000
	adrpExactMask = 0xffffffe0

	immBits  = 21
	immField = 1<<immBits - 1

	MaxPageDelta = 1<<(immBits-1) - 1
	MinPageDelta = -(1 << (immBits - 1))
)

// EncodeAdrp encodes "adrp x<rd>, pc_page + delta*4096".
func EncodeAdrp(rd uint8, delta int64) uint32 {
	return adrpValue | placeImm(uint32(delta)&immField) | uint32(rd&0x1f)
}

func EncodeAddImm(rd, rn uint8, imm12 uint32) uint32 {
	return 0x91000000 | (imm12&0xfff)<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)
}

// placeImm scatters a 21-bit adrp immediate into immlo (bits 30:29) and
// immhi (bits 23:5).
func placeImm(imm uint32) uint32 {
	return (imm&3)<<29 | (imm>>2&0x7ffff)<<5
}

func adrpImm(word uint32) int64 {
	imm := (word>>29)&3 | (word>>5&0x7ffff)<<2
	return int64(int32(imm<<(32-immBits)) >> (32 - immBits))
}

func PageDelta(pc, target uint64) int64 {
	return int64(target&^0xfff-pc&^0xfff) >> 12
}

// CountLeadingSignBits counts the leading bits of a width-bit value that
// equal its sign bit, the sign bit included.
func CountLeadingSignBits(v uint32, width int) int {
	sign := v >> (width - 1) & 1
	n := 0
	for i := width - 1; i >= 0 && v>>i&1 == sign; i-- {
		n++
	}
	return n
}

func isAdrpTo(word uint32, pc, target uint64) bool {
	return word&adrpMask == adrpValue && adrpImm(word) == PageDelta(pc, target)
}
