// Package vma implements §4.4's Virtual Memory Area: a half-open virtual
// range with permission bits, a map type (Direct/Framed), a vma type
// (Elf/UserStack/UserHeap/Mmap/PhysFrame), an owned physical-memory
// descriptor, and the split/remove/modify operations mmap, munmap, and
// mprotect are built from.
//
// Grounded on biscuit/src/vm/as.go's Vminfo_t/mtype_t (VANON/VFILE/VSANON)
// and its Page_insert/Page_remove pair, generalized from biscuit's
// two-kind (anon/file) model to the spec's five-kind vma type because the
// spec's ELF loader and heap/stack handlers need to distinguish those
// cases even though they share the "framed, lazily faulted" map type.
package vma

import (
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/page"
	"duckos/internal/pgtbl"
)

// MapType selects how a VMA's pages are backed.
type MapType int

const (
	// Direct computes ppn = vpn - offset; used for the kernel's own
	// image/direct-map/MMIO mappings, which are never faulted.
	Direct MapType = iota
	// Framed allocates a Page per virtual page, possibly lazily.
	Framed
)

// Type classifies the purpose of a VMA, which in turn selects its
// page-fault handler (§4.6).
type Type int

const (
	Elf Type = iota
	UserStack
	UserHeap
	Mmap
	PhysFrame
)

// Vma is a single virtual memory area: [Start, End) in bytes, page
// aligned, non-overlapping within its address space.
type Vma struct {
	Start, End mem.Va
	Perm       pgtbl.Flag
	Map        MapType
	Kind       Type

	// Framed-only: owned map from vpn to the Page backing it. Populated
	// eagerly by MapAll or lazily by the page-fault dispatcher.
	Pages map[mem.Vpn]*page.Page

	// Direct-only: ppn = vpn - DirectOffset.
	DirectOffset int64

	// Mmap-only: the page cache to consult for the file-offset-aligned
	// page backing a given vpn, and the file offset corresponding to
	// Start. Nil Cache means an anonymous mmap, handled like user-stack.
	Cache   PageProvider
	FileOff int64
	Shared  bool
}

// PageProvider is the minimal surface the mmap page-fault handler needs
// from an inode's page cache (§4.13): resolve a page-size-aligned file
// offset to a Page, allocating and reading it in on first access.
type PageProvider interface {
	FindPage(offset int64) (*page.Page, kerr.Code)
}

// New creates a VMA covering [start, end). Both bounds must be page
// aligned; len must be positive.
func New(start, end mem.Va, perm pgtbl.Flag, mt MapType, kind Type) *Vma {
	if start >= end {
		panic("vma: empty or inverted range")
	}
	if uintptr(start)&kconfig.PageMask != 0 || uintptr(end)&kconfig.PageMask != 0 {
		panic("vma: bounds not page aligned")
	}
	v := &Vma{Start: start, End: end, Perm: perm, Map: mt, Kind: kind}
	if mt == Framed {
		v.Pages = make(map[mem.Vpn]*page.Page)
	}
	return v
}

// Len returns the VMA's length in bytes.
func (v *Vma) Len() int { return int(v.End - v.Start) }

// Overlap reports whether [a,b) intersects this VMA's range, per the §4.4
// tie-break: ranges are half-open and overlap is !(b<=start || a>=end).
func (v *Vma) Overlap(a, b mem.Va) bool {
	return !(b <= v.Start || a >= v.End)
}

func (v *Vma) vpnRange() (mem.Vpn, mem.Vpn) {
	return v.Start.Vpn(), v.End.Vpn()
}

func directPpn(v *Vma, vpn mem.Vpn) mem.Ppn {
	return mem.Ppn(int64(vpn) - v.DirectOffset)
}

// MapAll eagerly materializes every page in the VMA: Framed allocates a
// fresh Page per virtual page, Direct computes ppn via the linear formula.
func (v *Vma) MapAll(pt *pgtbl.Table, alloc *mem.FrameAllocator) kerr.Code {
	start, end := v.vpnRange()
	for vpn := start; vpn < end; vpn++ {
		var ppn mem.Ppn
		if v.Map == Direct {
			ppn = directPpn(v, vpn)
		} else {
			frame, errc := alloc.Alloc()
			if errc != kerr.None {
				return errc
			}
			v.Pages[vpn] = page.New(frame)
			ppn = frame.Ppn()
		}
		if errc := pt.MapOne(vpn, ppn, v.Perm); errc != kerr.None {
			return errc
		}
	}
	return kerr.None
}

// MapAllLazy inserts the VMA's bookkeeping without touching the page
// table; the page-fault dispatcher populates entries on first access.
func (v *Vma) MapAllLazy(pt *pgtbl.Table) {
	// Intentionally a no-op against pt: leaving every leaf entry invalid
	// is exactly "lazy". Framed VMAs still need their Pages map (created
	// in New) so the fault handler has somewhere to record new pages.
}

// Remove unmaps every page in the VMA and drops any owned Pages,
// returning the underlying frame to alloc when a Page's strong count
// reaches zero (i.e. it was not shared via COW with another address
// space).
func (v *Vma) Remove(pt *pgtbl.Table) {
	start, end := v.vpnRange()
	for vpn := start; vpn < end; vpn++ {
		pt.Unmap(vpn) // ignore Unmapped: lazy pages may never have faulted in
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

// Modify rewrites both the VMA's permission and every active leaf entry's
// flags to newPerm.
func (v *Vma) Modify(newPerm pgtbl.Flag, pt *pgtbl.Table) kerr.Code {
	start, end := v.vpnRange()
	for vpn := start; vpn < end; vpn++ {
		if errc := pt.SetFlags(vpn, newPerm); errc != kerr.None && errc != kerr.Unmapped {
			return errc
		}
	}
	v.Perm = newPerm
	return kerr.None
}

// Split returns a new Vma covering [pos, v.End) and truncates v to
// [v.Start, pos); pos must be page aligned and strictly inside the range.
// Pages (and their strong-count ownership) at or past pos move to the
// returned half.
func (v *Vma) Split(pos mem.Va) *Vma {
	if pos <= v.Start || pos >= v.End {
		panic("vma: split position not strictly inside range")
	}
	if uintptr(pos)&kconfig.PageMask != 0 {
		panic("vma: split position not page aligned")
	}
	right := &Vma{
		Start: pos, End: v.End, Perm: v.Perm, Map: v.Map, Kind: v.Kind,
		DirectOffset: v.DirectOffset, Cache: v.Cache, FileOff: v.FileOff + int64(pos-v.Start), Shared: v.Shared,
	}
	v.End = pos
	if v.Map == Framed {
		right.Pages = make(map[mem.Vpn]*page.Page)
		splitVpn := pos.Vpn()
		for vpn, pg := range v.Pages {
			if vpn >= splitVpn {
				right.Pages[vpn] = pg
				delete(v.Pages, vpn)
			}
		}
	}
	return right
}

// Ptefor locates (walking, creating intermediates as needed) the leaf PTE
// covering va.
func (v *Vma) Ptefor(pt *pgtbl.Table, va mem.Va) (leaf []byte, idx uint, ok bool) {
	p, i, errc := pt.FindPteCreate(va)
	return p, i, errc == kerr.None
}
