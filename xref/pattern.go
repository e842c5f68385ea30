package xref

import (
	"fmt"

	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg-elfx/scan"
)

// SubRange is the part of a scan range on one side of the target page
// together with the adrp signature that covers every page delta in it.
type SubRange struct {
	host.Range
	// Above is set for code placed after the target page, where every delta is negative.
	Above bool
	Value uint32
	Mask  uint32
	// Pattern is the signature with its fully wildcarded leading bytes
	// dropped; AlignOffset is how many were dropped.
	Pattern     scan.Pattern
	AlignOffset int
}

func (s SubRange) String() string {
	side := "below"
	if s.Above {
		side = "above"
	}
	return fmt.Sprintf("%s %s value=%#08x mask=%#08x align=%d", s.Range, side, s.Value, s.Mask, s.AlignOffset)
}

// Patterns splits r around the page of target and synthesises one adrp
// signature per side. Code on the target page and below it reaches the
// target with deltas >= 0, code above it with deltas <= -1. Parts of r too
// far away for a 21-bit delta are dropped.
func Patterns(target uint64, r host.Range) []SubRange {
	page := host.PageStart(target)
	split := page + host.PageSize
	var out []SubRange

	if lo, hi := r.Base, min(r.End(), split); lo < hi {
		if reach := uint64(MaxPageDelta) << 12; page > reach {
			lo = max(lo, page-reach)
		}
		if lo < hi {
			out = append(out, synthesize(host.Range{Base: lo, Size: hi - lo}, false, PageDelta(lo, target)))
		}
	}

	if lo, hi := max(r.Base, split), r.End(); lo < hi {
		if reach := uint64(-MinPageDelta) << 12; page+reach+host.PageSize > page {
			hi = min(hi, page+reach+host.PageSize)
		}
		if lo < hi {
			out = append(out, synthesize(host.Range{Base: lo, Size: hi - lo}, true, PageDelta(hi-1, target)))
		}
	}
	return out
}

// synthesize fixes the leading immediate bits shared by every delta between
// zero and extreme and wildcards the rest along with the destination register.
func synthesize(r host.Range, above bool, extreme int64) SubRange {
	lc := CountLeadingSignBits(uint32(extreme)&immField, immBits)
	immMask := uint32(1<<lc-1) << (immBits - lc)
	var immValue uint32
	if above {
		immValue = immMask
	}
	s := SubRange{
		Range: r,
		Above: above,
		Value: adrpValue | placeImm(immValue),
		Mask:  adrpMask | placeImm(immMask),
	}
	s.Pattern, s.AlignOffset = scan.Word(s.Value, s.Mask).TrimLeft()
	return s
}
