package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadPattern = errors.New("bad pattern")

// Pattern is a byte signature where only the bits set in Mask take part in a match.
type Pattern struct {
	Bytes []byte
	Mask  []byte
}

// ParsePattern reads the "48 8b ?? c? : ff ff 00 f0" notation. Whole-byte
// and nibble wildcards are accepted; an explicit mask after ':' is ANDed in.
func ParsePattern(s string) (Pattern, error) {
	text, maskText, hasMask := strings.Cut(s, ":")
	var p Pattern
	for _, tok := range strings.Fields(text) {
		if len(tok) != 2 {
			return Pattern{}, fmt.Errorf("%w: token %q", ErrBadPattern, tok)
		}
		var b, m byte
		for i := 0; i < 2; i++ {
			shift := uint(4 * (1 - i))
			if tok[i] == '?' {
				continue
			}
			v, err := strconv.ParseUint(tok[i:i+1], 16, 8)
			if err != nil {
				return Pattern{}, fmt.Errorf("%w: token %q", ErrBadPattern, tok)
			}
			b |= byte(v) << shift
			m |= 0xf << shift
		}
		p.Bytes = append(p.Bytes, b)
		p.Mask = append(p.Mask, m)
	}
	if len(p.Bytes) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty", ErrBadPattern)
	}
	if hasMask {
		masks := strings.Fields(maskText)
		if len(masks) != len(p.Bytes) {
			return Pattern{}, fmt.Errorf("%w: mask has %d bytes, pattern has %d", ErrBadPattern, len(masks), len(p.Bytes))
		}
		for i, tok := range masks {
			v, err := strconv.ParseUint(tok, 16, 8)
			if err != nil {
				return Pattern{}, fmt.Errorf("%w: mask token %q", ErrBadPattern, tok)
			}
			p.Mask[i] &= byte(v)
			p.Bytes[i] &= p.Mask[i]
		}
	}
	return p, nil
}

func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Word builds a pattern for one masked little-endian 32-bit word, the form
// every AArch64 instruction takes in memory.
func Word(value, mask uint32) Pattern {
	p := Pattern{Bytes: make([]byte, 4), Mask: make([]byte, 4)}
	binary.LittleEndian.PutUint32(p.Bytes, value&mask)
	binary.LittleEndian.PutUint32(p.Mask, mask)
	return p
}

// CString matches s followed by its NUL terminator.
func CString(s string) Pattern {
	p := Pattern{Bytes: append([]byte(s), 0)}
	p.Mask = make([]byte, len(p.Bytes))
	for i := range p.Mask {
		p.Mask[i] = 0xff
	}
	return p
}

func (p Pattern) Len() int {
	return len(p.Bytes)
}

func (p Pattern) Match(b []byte) bool {
	if len(b) < len(p.Bytes) {
		return false
	}
	for i, v := range p.Bytes {
		if b[i]&p.Mask[i] != v {
			return false
		}
	}
	return true
}

// TrimLeft drops leading bytes that are fully wildcarded. The number of
// dropped bytes is the distance from a reported match back to the start of
// the original signature.
func (p Pattern) TrimLeft() (Pattern, int) {
	n := 0
	for n < len(p.Mask)-1 && p.Mask[n] == 0 {
		n++
	}
	return Pattern{Bytes: p.Bytes[n:], Mask: p.Mask[n:]}, n
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.Bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	sb.WriteString(" :")
	for _, m := range p.Mask {
		fmt.Fprintf(&sb, " %02x", m)
	}
	return sb.String()
}

// anchor returns the index of the first fully specified byte, or -1.
func (p Pattern) anchor() int {
	for i, m := range p.Mask {
		if m == 0xff {
			return i
		}
	}
	return -1
}
