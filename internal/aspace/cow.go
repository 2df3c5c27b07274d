package aspace

import (
	"sync"

	"duckos/internal/mem"
	"duckos/internal/page"
)

// CowTable is the per-address-space copy-on-write manager named in
// SPEC_FULL's "Supplemented features": a map from vpn to the Page currently
// shared, write-protected, with at least one other address space. Entries
// are added by FromUserLazily (fork) and removed by the page-fault
// dispatcher once a COW fault resolves, whichever way it resolves.
//
// Grounded on duck_os's mm/cow.rs CowTable, which keeps exactly this
// mapping separate from the VMA's own page ownership map so "is this page
// currently shared" can be answered without walking every VMA.
type CowTable struct {
	mu sync.Mutex
	m  map[mem.Vpn]*page.Page
}

// NewCowTable creates an empty COW manager.
func NewCowTable() *CowTable {
	return &CowTable{m: make(map[mem.Vpn]*page.Page)}
}

// Put records that vpn is currently COW-shared via pg.
func (c *CowTable) Put(vpn mem.Vpn, pg *page.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[vpn] = pg
}

// Get returns the shared Page for vpn, if it is currently COW-tracked.
func (c *CowTable) Get(vpn mem.Vpn) (*page.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pg, ok := c.m[vpn]
	return pg, ok
}

// Delete removes vpn's COW tracking, called once a fault resolves it (either
// by granting the sole owner write access in place, or by copying).
func (c *CowTable) Delete(vpn mem.Vpn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, vpn)
}

// Len reports how many pages are currently COW-shared.
func (c *CowTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
