package aspace

import (
	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/page"
	"duckos/internal/pgtbl"
	"duckos/internal/vma"
)

// FromUserLazily builds a child address space sharing the parent's already
// faulted-in Framed pages copy-on-write, per §4.5: every such page is
// write-protected in both address spaces and recorded in both CowTables;
// the actual copy is deferred to whichever address space writes to it
// first. Direct VMAs (the kernel mirror, device windows) are remapped
// identically in the child since they are never frame-owned. Lazy holes
// that never faulted in stay lazy in the child; there is nothing to share
// yet.
func (parent *AddressSpace) FromUserLazily(alloc *mem.FrameAllocator, arena *mem.Arena, kernel *AddressSpace) (*AddressSpace, kerr.Code) {
	child, errc := NewUser(kernel, alloc, arena)
	if errc != kerr.None {
		return nil, errc
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	for _, v := range parent.vmas {
		nv := vma.New(v.Start, v.End, v.Perm, v.Map, v.Kind)
		nv.DirectOffset = v.DirectOffset
		nv.Cache = v.Cache
		nv.FileOff = v.FileOff
		nv.Shared = v.Shared

		if v.Map == vma.Direct {
			if errc := nv.MapAll(child.PT, alloc); errc != kerr.None {
				return nil, errc
			}
			child.insert(nv)
			continue
		}

		for vpn, pg := range v.Pages {
			if err := shareCow(parent.PT, child.PT, vpn, pg, v.Perm, parent.Cow, child.Cow); err != kerr.None {
				return nil, err
			}
			nv.Pages[vpn] = pg
		}
		child.insert(nv)
	}
	return child, kerr.None
}

// shareCow write-protects vpn's leaf in src, installs an identical
// write-protected leaf in dst pointing at the same frame, bumps pg's strong
// count once for the new sharer, and records the sharing in both COW
// managers.
func shareCow(src, dst *pgtbl.Table, vpn mem.Vpn, pg *page.Page, perm pgtbl.Flag, srcCow, dstCow *CowTable) kerr.Code {
	leaf, idx, ok := src.FindPte(vpn.Addr())
	if !ok {
		return kerr.NotFound
	}
	pte := pgtbl.ReadLeaf(leaf, idx)
	roFlags := (pte.Flags() &^ pgtbl.W) | pgtbl.COW
	pgtbl.WriteLeaf(leaf, idx, pgtbl.MakePTE(pte.Ppn(), roFlags))
	src.Shootdown(vpn.Addr())

	dleaf, didx, errc := dst.FindPteCreate(vpn.Addr())
	if errc != kerr.None {
		return errc
	}
	pgtbl.WriteLeaf(dleaf, didx, pgtbl.MakePTE(pte.Ppn(), roFlags))

	pg.Retain()
	srcCow.Put(vpn, pg)
	dstCow.Put(vpn, pg)
	return kerr.None
}
