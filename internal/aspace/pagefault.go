package aspace

import (
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
	"duckos/internal/page"
	"duckos/internal/pgtbl"
	"duckos/internal/vma"
)

// PageFault dispatches a trap-reported fault at fa to the handler selected
// by the covering VMA's Kind, per §4.6. A COW-marked leaf always takes
// priority over the VMA's own handler, since the page exists — the fault is
// purely about the write permission, not about materializing anything.
//
// A fault that installs or rewrites a mapping causes at most one frame
// allocation, exactly one leaf-entry update, and exactly one TLB
// shootdown, matching §4.6's observable-side-effects invariant. A fault on
// a page that is already validly mapped (and not COW), or one rejected
// with SegV, changes nothing.
func (as *AddressSpace) PageFault(fa mem.Va, write bool) kerr.Code {
	as.mu.Lock()
	defer as.mu.Unlock()

	v, ok := as.lookupVma(fa)
	if !ok {
		klog.Warnf(klog.Fields{"va": fa}, "page fault outside any vma")
		return kerr.SegV
	}
	if v.Perm == 0 {
		return kerr.SegV
	}
	vpn := fa.Vpn()

	if leaf, idx, ok := as.PT.FindPte(fa); ok {
		pte := pgtbl.ReadLeaf(leaf, idx)
		if pte.Has(pgtbl.V) && pte.Has(pgtbl.COW) && !pte.Has(pgtbl.W) {
			return as.handleCOW(v, vpn, fa, leaf, idx, pte)
		}
		if pte.Has(pgtbl.V) {
			// Already resolved by a racing fault on another hart; nothing
			// left to do.
			return kerr.None
		}
	}

	switch v.Kind {
	case vma.UserStack, vma.UserHeap, vma.Elf:
		return as.handleAnonFault(v, vpn, fa)
	case vma.Mmap:
		return as.handleMmapFault(v, vpn, fa)
	default:
		return kerr.SegV
	}
}

// handleAnonFault allocates one fresh zeroed frame for vpn and maps it with
// the VMA's permission, used for user-stack and user-heap growth and for
// ELF BSS pages that were left lazy.
func (as *AddressSpace) handleAnonFault(v *vma.Vma, vpn mem.Vpn, fa mem.Va) kerr.Code {
	frame, errc := as.alloc.Alloc()
	if errc != kerr.None {
		return errc
	}
	pg := page.New(frame)
	if errc := as.PT.MapOne(vpn, frame.Ppn(), v.Perm); errc != kerr.None {
		frame.Free()
		return errc
	}
	v.Pages[vpn] = pg
	as.PT.Shootdown(fa)
	return kerr.None
}

// handleMmapFault resolves a fault in a Mmap VMA: file-backed pages come
// from the VMA's page cache (shared across every mapper of that inode
// offset); anonymous mmaps (Cache == nil) behave like a heap fault.
func (as *AddressSpace) handleMmapFault(v *vma.Vma, vpn mem.Vpn, fa mem.Va) kerr.Code {
	if v.Cache == nil {
		return as.handleAnonFault(v, vpn, fa)
	}
	offset := v.FileOff + int64(vpn.Addr()-v.Start)
	pg, errc := v.Cache.FindPage(offset)
	if errc != kerr.None {
		return errc
	}
	pg.Retain()
	if errc := as.PT.MapOne(vpn, pg.Frame.Ppn(), v.Perm); errc != kerr.None {
		pg.Release()
		return errc
	}
	v.Pages[vpn] = pg
	as.PT.Shootdown(fa)
	return kerr.None
}

// handleCOW resolves a write fault against a page currently shared via COW:
// the sole remaining owner gets its write bit back in place; a still-shared
// page is copied first, per §4.6.
func (as *AddressSpace) handleCOW(v *vma.Vma, vpn mem.Vpn, fa mem.Va, leaf []byte, idx uint, pte pgtbl.PTE) kerr.Code {
	pg, ok := as.Cow.Get(vpn)
	if !ok {
		klog.Warnf(klog.Fields{"va": fa}, "cow leaf with no cow-table entry")
		return kerr.SegV
	}

	if pg.Strong() == 1 {
		newPte := pgtbl.MakePTE(pte.Ppn(), (pte.Flags()&^pgtbl.COW)|pgtbl.W)
		pgtbl.WriteLeaf(leaf, idx, newPte)
		as.Cow.Delete(vpn)
		as.PT.Shootdown(fa)
		return kerr.None
	}

	frame, errc := as.alloc.Alloc()
	if errc != kerr.None {
		return errc
	}
	copy(frame.Page(), as.arena.Page(pte.Ppn()))
	newPage := page.New(frame)
	v.Pages[vpn] = newPage

	newPte := pgtbl.MakePTE(frame.Ppn(), (pte.Flags()&^pgtbl.COW)|pgtbl.W)
	pgtbl.WriteLeaf(leaf, idx, newPte)
	as.Cow.Delete(vpn)
	as.PT.Shootdown(fa)

	if pg.Release() == 0 {
		pg.Frame.Free()
	}
	return kerr.None
}
