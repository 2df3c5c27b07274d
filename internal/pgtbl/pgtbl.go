// Package pgtbl implements the SV39 three-level page table of §4.3: a
// three-level radix tree with 9-bit indices taken from virtual address
// bits [38:30], [29:21], [20:12], and a root slot (510) shared by every
// user address space for the kernel's top-level entry.
//
// Grounded on biscuit/src/mem/mem.go's pml4-walk helpers (pgbits, mkpg,
// caddr) and biscuit/src/vm/as.go's pmap_walk/PTE manipulation, adapted
// from x86-64's 4-level, identity-mapped-via-recursive-slot scheme to
// SV39's 3-level scheme addressed through this module's simulated
// physical Arena instead of a recursive mapping trick.
package pgtbl

import (
	"encoding/binary"
	"sync"

	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
)

// Flag is a page-table-entry permission/status bit.
type Flag uint64

const (
	V   Flag = 1 << 0 // valid
	R   Flag = 1 << 1 // readable
	W   Flag = 1 << 2 // writable
	X   Flag = 1 << 3 // executable
	U   Flag = 1 << 4 // user-accessible
	G   Flag = 1 << 5 // global
	A   Flag = 1 << 6 // accessed
	D   Flag = 1 << 7 // dirty
	COW Flag = 1 << 8 // software bit: copy-on-write

	ppnShift = 10
	flagMask = (1 << ppnShift) - 1
)

// PTE is a single SV39 page-table entry: (physical page number, flags).
type PTE uint64

// Flags returns the flag bits of the entry.
func (p PTE) Flags() Flag { return Flag(p) & flagMask }

// Has reports whether all bits in f are set.
func (p PTE) Has(f Flag) bool { return Flag(p)&f == f }

// Ppn returns the physical page number the entry points at.
func (p PTE) Ppn() mem.Ppn { return mem.Ppn(p >> ppnShift) }

func mkPTE(ppn mem.Ppn, flags Flag) PTE {
	return PTE(uint64(ppn)<<ppnShift | uint64(flags))
}

const entriesPerLevel = 512

// Table is an owned SV39 page table: a root physical page plus every
// intermediate frame it allocated along the way (§3's Page table data
// model). Dropping a Table (via Destroy) frees all of them.
type Table struct {
	mu        sync.Mutex
	alloc     *mem.FrameAllocator
	arena     *mem.Arena
	root      *mem.Tracker
	owned     []*mem.Tracker
	activated mem.Ppn // zero value means "never activated"
	isActive  bool
}

// New creates a fresh, empty page table.
func New(alloc *mem.FrameAllocator, arena *mem.Arena) (*Table, kerr.Code) {
	root, errc := alloc.Alloc()
	if errc != kerr.None {
		return nil, errc
	}
	return &Table{alloc: alloc, arena: arena, root: root}, kerr.None
}

// RootPpn returns the physical page number of the root table, the value
// that would be written into satp.
func (t *Table) RootPpn() mem.Ppn { return t.root.Ppn() }

func readEntry(page []byte, idx uint) PTE {
	return PTE(binary.LittleEndian.Uint64(page[idx*8:]))
}

func writeEntry(page []byte, idx uint, pte PTE) {
	binary.LittleEndian.PutUint64(page[idx*8:], uint64(pte))
}

// ReadLeaf reads the PTE at idx within a leaf-level page returned by
// FindPte/FindPteCreate. Exported so callers that need the raw entry for
// COW/fault decisions (aspace.PageFault) don't need their own codec.
func ReadLeaf(leafPage []byte, idx uint) PTE { return readEntry(leafPage, idx) }

// WriteLeaf writes pte at idx within a leaf-level page.
func WriteLeaf(leafPage []byte, idx uint, pte PTE) { writeEntry(leafPage, idx, pte) }

// MakePTE exposes the entry encoding so callers outside this package can
// construct a PTE value (e.g. to CAS-style rewrite one in place).
func MakePTE(ppn mem.Ppn, flags Flag) PTE { return mkPTE(ppn, flags) }

// FindPteCreate walks the table for va, allocating intermediate frames as
// needed, and returns the address of the leaf-level entry (level-0 table,
// index vpn[0]) together with its backing page and index so the caller can
// read/write it. Mirrors §4.3's find_pte_create.
func (t *Table) FindPteCreate(va mem.Va) (page []byte, idx uint, errc kerr.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.walk(va, true)
}

// FindPte walks without allocating; returns ok=false if any intermediate
// level is invalid.
func (t *Table) FindPte(va mem.Va) (page []byte, idx uint, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, i, errc := t.walk(va, false)
	if errc != kerr.None {
		return nil, 0, false
	}
	return p, i, true
}

func (t *Table) walk(va mem.Va, create bool) ([]byte, uint, kerr.Code) {
	l2, l1, l0, _ := va.Vpn3()
	page := t.arena.Page(t.root.Ppn())
	indices := []uint{l2, l1}
	for _, idx := range indices {
		pte := readEntry(page, idx)
		if !pte.Has(V) {
			if !create {
				return nil, 0, kerr.NotFound
			}
			child, errc := t.alloc.Alloc()
			if errc != kerr.None {
				return nil, 0, errc
			}
			t.owned = append(t.owned, child)
			writeEntry(page, idx, mkPTE(child.Ppn(), V))
			page = t.arena.Page(child.Ppn())
		} else {
			page = t.arena.Page(pte.Ppn())
		}
	}
	return page, l0, kerr.None
}

// MapOne sets the leaf entry for vpn to ppn with flags V|A|D|flags. Fails
// with AlreadyExists if the leaf is already valid.
func (t *Table) MapOne(vpn mem.Vpn, ppn mem.Ppn, flags Flag) kerr.Code {
	page, idx, errc := t.FindPteCreate(vpn.Addr())
	if errc != kerr.None {
		return errc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if readEntry(page, idx).Has(V) {
		return kerr.AlreadyExists
	}
	writeEntry(page, idx, mkPTE(ppn, flags|V|A|D))
	return kerr.None
}

// Unmap clears the leaf entry for vpn. Fails with Unmapped if it was not
// valid.
func (t *Table) Unmap(vpn mem.Vpn) kerr.Code {
	page, idx, ok := t.FindPte(vpn.Addr())
	if !ok {
		return kerr.Unmapped
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !readEntry(page, idx).Has(V) {
		return kerr.Unmapped
	}
	writeEntry(page, idx, 0)
	return kerr.None
}

// Lookup returns the leaf entry for vpn, if mapped.
func (t *Table) Lookup(vpn mem.Vpn) (PTE, bool) {
	page, idx, ok := t.FindPte(vpn.Addr())
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pte := readEntry(page, idx)
	if !pte.Has(V) {
		return 0, false
	}
	return pte, true
}

// SetFlags rewrites the flags of the leaf entry for vpn in place, keeping
// its physical page number. Used by VMA.Modify (§4.4) to push a permission
// change down into an already-mapped leaf.
func (t *Table) SetFlags(vpn mem.Vpn, flags Flag) kerr.Code {
	page, idx, ok := t.FindPte(vpn.Addr())
	if !ok {
		return kerr.Unmapped
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pte := readEntry(page, idx)
	if !pte.Has(V) {
		return kerr.Unmapped
	}
	writeEntry(page, idx, mkPTE(pte.Ppn(), flags|V))
	return kerr.None
}

// TranslateVa resolves va through the table to a physical address, or
// reports failure if any level is unmapped. A valid entry with R, W or X
// set above the last level is a superpage leaf (1 GiB at the root, 2 MiB
// one level down) and va resolves within it.
func (t *Table) TranslateVa(va mem.Va) (mem.Pa, kerr.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l2, l1, l0, _ := va.Vpn3()
	page := t.arena.Page(t.root.Ppn())
	for level, idx := range []uint{l2, l1, l0} {
		pte := readEntry(page, idx)
		if !pte.Has(V) {
			return 0, kerr.Unmapped
		}
		if level == 2 || pte.Flags()&(R|W|X) != 0 {
			span := uintptr(1) << (kconfig.PageShift + 9*(2-level))
			return mem.Pa(uintptr(pte.Ppn().Addr()) + uintptr(va)&(span-1)), kerr.None
		}
		page = t.arena.Page(pte.Ppn())
	}
	return 0, kerr.Unmapped
}

// activeTbl tracks, process-wide, which root is "active" so Activate can
// decide whether it needs to do anything. A hosted kernel has no real
// CSR, so this simulates satp with a package-level pointer and a TLB
// fence counter tests can observe.
var (
	activeMu  sync.Mutex
	activeTbl *Table
	fences    int
)

// Activate writes the simulated satp only if it differs from the
// currently active table, and issues a TLB fence (§4.3). Returns whether a
// fence was actually issued.
func (t *Table) Activate() bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeTbl == t {
		return false
	}
	activeTbl = t
	fences++
	klog.Infof(klog.Fields{"root_ppn": t.RootPpn()}, "satp switch, tlb fence")
	return true
}

// FenceCount reports how many TLB fences Activate and Shootdown have issued
// process-wide;
// exposed for tests asserting "exactly one TLB fence" per §4.6.
func FenceCount() int {
	activeMu.Lock()
	defer activeMu.Unlock()
	return fences
}

// Shootdown records a single-address TLB invalidation, issued after a page
// fault handler installs or rewrites one leaf entry (§4.6: "exactly one TLB
// fence" per fault). Tracked on the same counter as Activate's full-context
// fences since both represent a hart telling itself stale translations are
// no longer valid.
func (t *Table) Shootdown(va mem.Va) {
	activeMu.Lock()
	defer activeMu.Unlock()
	fences++
}

// InstallKernelSlot copies the kernel's top-level entry at kconfig.KernelSlot
// from src into t, so every fresh user table shares the kernel mapping
// (§4.3's "the high half of every user page table shares the kernel's top
// level entry at a fixed slot").
func (t *Table) InstallKernelSlot(src *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src.mu.Lock()
	srcPage := src.arena.Page(src.root.Ppn())
	entry := readEntry(srcPage, kconfig.KernelSlot)
	src.mu.Unlock()
	dstPage := t.arena.Page(t.root.Ppn())
	writeEntry(dstPage, kconfig.KernelSlot, entry)
}

// SetKernelSlot writes the kernel mapping entry at slot 510 of t's root
// directly, as ppn with flags|V.
func (t *Table) SetKernelSlot(ppn mem.Ppn, flags Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	page := t.arena.Page(t.root.Ppn())
	writeEntry(page, kconfig.KernelSlot, mkPTE(ppn, flags|V))
}

// Destroy frees the root frame and every intermediate frame this table
// allocated. Leaf-mapped frames are owned by VMAs, not the table, and must
// already have been unmapped by the caller (the address space's Vma.Remove
// does this before Destroy runs).
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.owned {
		o.Free()
	}
	t.owned = nil
	t.root.Free()
}
