package mem

import "duckos/internal/kconfig"

// Arena is the simulated physical address space this module is hosted
// over (see SPEC_FULL §0): a byte slice standing in for RAM, addressed by
// Pa/Ppn values the same way the teacher's Physmem_t addresses real
// physical memory through its direct map (biscuit/src/mem/mem.go's
// Physmem_t.Dmap). Runs entirely in host memory so tests don't need a
// hypervisor.
type Arena struct {
	base  Pa
	bytes []byte
}

// NewArena allocates a host-memory region of npages pages starting at
// base, standing in for the physical frames the frame allocator manages.
func NewArena(base Pa, npages int) *Arena {
	return &Arena{
		base:  base,
		bytes: make([]byte, npages*kconfig.PageSize),
	}
}

// Base returns the lowest physical address the arena covers.
func (a *Arena) Base() Pa { return a.base }

// Pages returns the number of pages the arena covers.
func (a *Arena) Pages() int { return len(a.bytes) / kconfig.PageSize }

// Contains reports whether pa falls within the arena.
func (a *Arena) Contains(pa Pa) bool {
	return pa >= a.base && uintptr(pa) < uintptr(a.base)+uintptr(len(a.bytes))
}

// Page returns the byte slice backing the page at ppn. Panics if ppn is
// outside the arena: an out-of-range physical address is always a
// programming fault, never a recoverable condition.
func (a *Arena) Page(ppn Ppn) []byte {
	pa := ppn.Addr()
	if !a.Contains(pa) {
		panic("mem: ppn out of arena range")
	}
	off := uintptr(pa) - uintptr(a.base)
	return a.bytes[off : off+kconfig.PageSize]
}

// ppnIndex returns the 0-based index of ppn within the arena, used by the
// frame allocator's bitmap.
func (a *Arena) ppnIndex(ppn Ppn) int {
	return int((uintptr(ppn.Addr()) - uintptr(a.base)) / kconfig.PageSize)
}
