package vma

import (
	"duckos/internal/mem"
	"duckos/internal/pgtbl"
)

// UnmapVerdict is the outcome of UnmapIfOverlap.
type UnmapVerdict int

const (
	Unchange UnmapVerdict = iota
	Shrink
	Removed
	SplitVerdict
)

// UnmapResult carries UnmapIfOverlap's verdict and, for SplitVerdict, the
// right-hand remainder VMA the caller must insert back into the address
// space's VMA map.
type UnmapResult struct {
	Verdict UnmapVerdict
	Right   *Vma
}

// UnmapIfOverlap unmaps the portion of v intersecting [a,b), mutating v in
// place, per §4.4. Used by mmap/munmap/mprotect to carve a hole out of an
// existing mapping.
func UnmapIfOverlap(v *Vma, a, b mem.Va, pt *pgtbl.Table) UnmapResult {
	if !v.Overlap(a, b) {
		return UnmapResult{Verdict: Unchange}
	}
	switch {
	case a <= v.Start && b >= v.End:
		v.Remove(pt)
		return UnmapResult{Verdict: Removed}
	case a <= v.Start && b < v.End:
		unmapRange(v, v.Start, b, pt)
		v.Start = b
		return UnmapResult{Verdict: Shrink}
	case a > v.Start && b >= v.End:
		unmapRange(v, a, v.End, pt)
		v.End = a
		return UnmapResult{Verdict: Shrink}
	default:
		// a > v.Start && b < v.End: a hole strictly inside, splitting v
		// into a left remainder (kept as v) and a right remainder.
		right := v.Split(b)
		unmapRange(v, a, b, pt)
		v.End = a
		return UnmapResult{Verdict: SplitVerdict, Right: right}
	}
}

// unmapRange clears page-table entries and drops owned Pages for
// [lo,hi) within v, without touching v's own bounds.
func unmapRange(v *Vma, lo, hi mem.Va, pt *pgtbl.Table) {
	for vpn := lo.Vpn(); vpn < hi.Vpn(); vpn++ {
		pt.Unmap(vpn)
		if v.Map == Framed {
			if pg, ok := v.Pages[vpn]; ok {
				if pg.Release() == 0 {
					pg.Frame.Free()
				}
				delete(v.Pages, vpn)
			}
		}
	}
}

// OverlapVerdict is the outcome of SplitIfOverlap.
type OverlapVerdict int

const (
	OverlapUnchange OverlapVerdict = iota
	ShrinkLeft
	ShrinkRight
	Modified
	OverlapSplit
)

// OverlapResult carries SplitIfOverlap's verdict and any new VMAs the
// caller must insert back into the address space.
type OverlapResult struct {
	Verdict OverlapVerdict
	Middle  *Vma // set only for OverlapSplit
	Right   *Vma // set for ShrinkLeft, ShrinkRight, and OverlapSplit
}

// SplitIfOverlap applies newPerm to the portion of v intersecting [a,b),
// splitting v as needed, per §4.4. v always remains the left-most
// remaining piece (or the whole VMA, if fully covered); Middle/Right carry
// any additional pieces the caller must track.
func SplitIfOverlap(v *Vma, a, b mem.Va, newPerm pgtbl.Flag, pt *pgtbl.Table) OverlapResult {
	if !v.Overlap(a, b) {
		return OverlapResult{Verdict: OverlapUnchange}
	}
	switch {
	case a <= v.Start && b >= v.End:
		v.Modify(newPerm, pt)
		return OverlapResult{Verdict: Modified}
	case a <= v.Start && b < v.End:
		// overlap covers [Start,b): split off [b,End) unaffected, modify
		// the retained left part (now v) in place.
		right := v.Split(b)
		v.Modify(newPerm, pt)
		return OverlapResult{Verdict: ShrinkLeft, Right: right}
	case a > v.Start && b >= v.End:
		// overlap covers [a,End): split off [a,End) and modify it,
		// leaving v (now [Start,a)) untouched.
		right := v.Split(a)
		right.Modify(newPerm, pt)
		return OverlapResult{Verdict: ShrinkRight, Right: right}
	default:
		// a > v.Start && b < v.End: split into [Start,a) untouched (v),
		// [a,b) modified (middle), [b,End) untouched (right).
		middle := v.Split(a)
		right := middle.Split(b)
		middle.Modify(newPerm, pt)
		return OverlapResult{Verdict: OverlapSplit, Middle: middle, Right: right}
	}
}
