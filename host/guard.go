package host

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Guard keeps a range at a widened protection until Release is called.
// Release restores every region it changed, on every exit path of the caller.
type Guard struct {
	p        Protector
	changed  []Region
	released bool
}

// Acquire applies want to the current protection of every region overlapping
// [addr, addr+size). Regions already at the wanted protection are left alone.
// On failure the regions changed so far are restored before returning.
func Acquire(p Protector, addr, size uint64, want func(Prot) Prot) (*Guard, error) {
	g := &Guard{p: p}
	if size == 0 {
		return g, nil
	}
	start, end := PageStart(addr), PageEnd(addr+size)
	for cur := start; cur < end; {
		region, err := p.Region(cur)
		if err != nil {
			g.Release()
			return nil, fmt.Errorf("query protection at %#x: %w", cur, err)
		}
		next := min(region.End(), end)
		if next <= cur {
			g.Release()
			return nil, fmt.Errorf("empty region at %#x", cur)
		}
		if prot := want(region.Prot); prot != region.Prot {
			if err := p.Protect(cur, next-cur, prot); err != nil {
				g.Release()
				return nil, fmt.Errorf("protect %#x-%#x %s: %w", cur, next, prot, err)
			}
			g.changed = append(g.changed, Region{Range: Range{Base: cur, Size: next - cur}, Prot: region.Prot})
		}
		cur = next
	}
	return g, nil
}

// Release restores the original protections. It is safe to call more than once.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	var errs error
	for i := len(g.changed) - 1; i >= 0; i-- {
		r := g.changed[i]
		if err := g.p.Protect(r.Base, r.Size, r.Prot); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restore %s %s: %w", r.Range, r.Prot, err))
		}
	}
	return errs
}

// Changed reports whether Acquire had to modify any protection.
func (g *Guard) Changed() bool {
	return len(g.changed) != 0
}

func AddProt(bits Prot) func(Prot) Prot {
	return func(p Prot) Prot { return p | bits }
}

func SetProt(prot Prot) func(Prot) Prot {
	return func(Prot) Prot { return prot }
}
