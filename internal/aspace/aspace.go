// Package aspace implements §4.5's address space: an ordered set of
// non-overlapping VMAs over a page table, the VMA-placement operations mmap
// is built from, and the copy-on-write fork that seeds a child's mappings
// from its parent's.
//
// Grounded on biscuit/src/vm/as.go's Vm_t (lock protecting Vmregion+Pmap
// together) and Vmregion_t's insert/lookup-by-range helpers, generalized
// from biscuit's linked-region-list to a sorted slice since this module has
// no need for Vmregion_t's free-list-of-deleted-nodes optimization.
package aspace

import (
	"sort"
	"sync"

	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
	"duckos/internal/pgtbl"
	"duckos/internal/vma"
)

// AddressSpace is a process's (or the kernel's) virtual memory: a page
// table plus the VMAs describing what backs each mapped range, and — for
// user address spaces born from fork — the COW manager tracking pages
// currently shared, write-protected, between parent and child (§3's address
// space data model; CowTable is this module's supplemented feature, grounded
// on duck_os's mm/cow.rs).
type AddressSpace struct {
	mu    sync.Mutex
	PT    *pgtbl.Table
	alloc *mem.FrameAllocator
	arena *mem.Arena
	vmas  []*vma.Vma // kept sorted by Start
	Cow   *CowTable
}

// NewKernel builds the kernel's own address space out of the direct-mapped
// image/rodata/data/bss/remaining-RAM descriptors the boot sequence
// discovers, installing each as a Direct VMA (§9 init order: "allocators →
// kernel space"). image entries are (physStart, virtStart, length, perm)
// tuples; length must be a multiple of the page size.
func NewKernel(alloc *mem.FrameAllocator, arena *mem.Arena, image []ImageRegion) (*AddressSpace, kerr.Code) {
	pt, errc := pgtbl.New(alloc, arena)
	if errc != kerr.None {
		return nil, errc
	}
	as := &AddressSpace{PT: pt, alloc: alloc, arena: arena}
	for _, r := range image {
		v := vma.New(r.Virt, r.Virt+mem.Va(r.Len), r.Perm, vma.Direct, vma.PhysFrame)
		v.DirectOffset = int64(r.Virt.Vpn()) - int64(r.Phys.Ppn())
		if errc := v.MapAll(pt, alloc); errc != kerr.None {
			return nil, errc
		}
		as.insert(v)
	}
	klog.Infof(klog.Fields{"regions": len(image)}, "kernel address space constructed")
	return as, kerr.None
}

// ImageRegion describes one Direct-mapped slice of the kernel's own address
// space, discovered at boot from the linker-provided section boundaries.
type ImageRegion struct {
	Phys mem.Pa
	Virt mem.Va
	Len  int
	Perm pgtbl.Flag
}

// NewUser creates a fresh, empty user address space sharing the kernel's
// top-level entry at kconfig.KernelSlot, so every hart can dereference
// kernel text/data regardless of which user satp is active (§4.3).
func NewUser(kernel *AddressSpace, alloc *mem.FrameAllocator, arena *mem.Arena) (*AddressSpace, kerr.Code) {
	pt, errc := pgtbl.New(alloc, arena)
	if errc != kerr.None {
		return nil, errc
	}
	pt.InstallKernelSlot(kernel.PT)
	return &AddressSpace{PT: pt, alloc: alloc, arena: arena, Cow: NewCowTable()}, kerr.None
}

func (as *AddressSpace) insert(v *vma.Vma) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Start >= v.Start })
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[i+1:], as.vmas[i:])
	as.vmas[i] = v
}

func (as *AddressSpace) remove(v *vma.Vma) {
	for i, c := range as.vmas {
		if c == v {
			as.vmas = append(as.vmas[:i], as.vmas[i+1:]...)
			return
		}
	}
}

// lookupVma returns the VMA containing va, if any.
func (as *AddressSpace) lookupVma(va mem.Va) (*vma.Vma, bool) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > va })
	if i < len(as.vmas) && as.vmas[i].Start <= va {
		return as.vmas[i], true
	}
	return nil, false
}

// Lookup is the exported form of lookupVma, for callers outside the package
// (the ELF loader, fault-reporting tools) that need to know which VMA, if
// any, covers a given address.
func (as *AddressSpace) Lookup(va mem.Va) (*vma.Vma, bool) {
	return as.lookupVma(va)
}

// gapFits reports whether [at, at+length) is free of every existing VMA.
func (as *AddressSpace) gapFits(at mem.Va, length int) bool {
	end := at + mem.Va(length)
	for _, v := range as.vmas {
		if v.Overlap(at, end) {
			return false
		}
	}
	return true
}

// AllocVmaAnywhere finds the lowest free gap at or above hint that fits
// length bytes, creates a VMA of kind/mapType/perm there, and registers it.
// Mirrors mmap(addr=0, ...)'s "kernel picks the address" path.
func (as *AddressSpace) AllocVmaAnywhere(hint mem.Va, length int, perm pgtbl.Flag, mt vma.MapType, kind vma.Type) (*vma.Vma, kerr.Code) {
	as.mu.Lock()
	defer as.mu.Unlock()

	length = roundUp(length, kconfig.PageSize)
	at := hint.PageBase()
	if at < kconfig.UserMin {
		at = kconfig.UserMin
	}
	for {
		if uint64(at)+uint64(length) > kconfig.UserMax {
			return nil, kerr.NoMemory
		}
		if as.gapFits(at, length) {
			v := vma.New(at, at+mem.Va(length), perm, mt, kind)
			as.insert(v)
			return v, kerr.None
		}
		at = as.nextCandidate(at)
	}
}

// nextCandidate advances past the VMA that blocked the gap at `at`.
func (as *AddressSpace) nextCandidate(at mem.Va) mem.Va {
	best := mem.Va(kconfig.UserMax)
	for _, v := range as.vmas {
		if v.End > at && v.End < best {
			best = v.End
		}
	}
	return best
}

// AllocVmaFixed unmaps any overlapping VMAs, then registers a new VMA at
// exactly [start,end), per §4.4's mmap(MAP_FIXED) semantics.
func (as *AddressSpace) AllocVmaFixed(start, end mem.Va, perm pgtbl.Flag, mt vma.MapType, kind vma.Type) (*vma.Vma, kerr.Code) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var toRemove []*vma.Vma
	var toInsert []*vma.Vma
	for _, v := range as.vmas {
		r := vma.UnmapIfOverlap(v, start, end, as.PT)
		switch r.Verdict {
		case vma.Removed:
			toRemove = append(toRemove, v)
		case vma.SplitVerdict:
			toInsert = append(toInsert, r.Right)
		}
	}
	for _, v := range toRemove {
		as.remove(v)
	}
	for _, v := range toInsert {
		as.insert(v)
	}
	v := vma.New(start, end, perm, mt, kind)
	as.insert(v)
	return v, kerr.None
}

// Push eagerly materializes v's pages and registers it.
func (as *AddressSpace) Push(v *vma.Vma) kerr.Code {
	as.mu.Lock()
	defer as.mu.Unlock()
	if errc := v.MapAll(as.PT, as.alloc); errc != kerr.None {
		return errc
	}
	as.insert(v)
	return kerr.None
}

// PushLazy registers v without materializing any page; the fault dispatcher
// fills them in on demand.
func (as *AddressSpace) PushLazy(v *vma.Vma) {
	as.mu.Lock()
	defer as.mu.Unlock()
	v.MapAllLazy(as.PT)
	as.insert(v)
}

// Uvmfree tears down every VMA and frees the page table itself, per §4.5's
// process-exit path.
func (as *AddressSpace) Uvmfree() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, v := range as.vmas {
		v.Remove(as.PT)
	}
	as.vmas = nil
	as.PT.Destroy()
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
