// Package blkcache implements §4.10's block cache: a fixed-capacity ring
// of sector buffers keyed by block id, evicted by a clock-hand sweep.
//
// Grounded on the teacher's fs.Bdev_block_t (biscuit/src/fs/blk.go) for the
// per-block mutex/dirty/name shape, generalized from the teacher's
// cache-package eviction (which the pack does not carry a clock-hand
// implementation of) to the clock/second-chance policy §4.10 specifies.
package blkcache

import (
	"sync"

	"duckos/internal/blockdev"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/klog"
)

// Entry is one cached sector: a per-entry lock serializes writers against
// the same block id (§4.10's concurrency contract), while membership and
// eviction are serialized by the owning Cache's ring lock.
type Entry struct {
	mu sync.Mutex

	id    uint64
	valid bool
	dirty bool
	ref   bool // clock reference bit, set on every Get hit
	pins  int  // outstanding handles; a pinned entry is never evicted
	data  [kconfig.SectorSize]byte
}

// ID returns the block id this entry caches.
func (e *Entry) ID() uint64 { return e.id }

// Data returns the entry's buffer for the caller to read or mutate. The
// caller must hold the entry locked (via Lock/Unlock) for the duration of
// any mutation and call Cache.MarkDirty afterward.
func (e *Entry) Data() *[kconfig.SectorSize]byte { return &e.data }

// Lock/Unlock serialize writers against the same cached block, per
// §4.10's contract that writers to one entry serialize on its own lock.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Cache is a fixed-capacity ring of Entry slots with clock-hand eviction.
type Cache struct {
	mu    sync.Mutex
	dev   blockdev.Device
	slots []*Entry
	index map[uint64]*Entry
	hand  int
}

// New creates a Cache with capacity slots backed by dev.
func New(dev blockdev.Device, capacity int) *Cache {
	c := &Cache{
		dev:   dev,
		slots: make([]*Entry, capacity),
		index: make(map[uint64]*Entry, capacity),
	}
	for i := range c.slots {
		c.slots[i] = &Entry{}
	}
	return c
}

// Get returns the cached entry for id, reading it from the device on
// miss. The returned entry is pinned (Put releases the pin); a pinned
// entry's reference bit is also set so a fresh clock sweep gives it a
// second chance.
func (c *Cache) Get(id uint64) (*Entry, kerr.Code) {
	c.mu.Lock()
	if e, ok := c.index[id]; ok {
		e.ref = true
		e.pins++
		c.mu.Unlock()
		return e, kerr.None
	}

	slot, errc := c.evictSlot()
	if errc != kerr.None {
		c.mu.Unlock()
		return nil, errc
	}
	slot.id = id
	slot.valid = true
	slot.dirty = false
	slot.ref = true
	slot.pins = 1
	c.index[id] = slot
	c.mu.Unlock()

	c.dev.ReadBlock(id, &slot.data)
	return slot, kerr.None
}

// evictSlot runs the clock-hand sweep and returns a free slot, writing
// back the evicted entry's dirty data first. Must be called with c.mu
// held. Every slot being pinned is an exhausted-cache condition.
func (c *Cache) evictSlot() (*Entry, kerr.Code) {
	n := len(c.slots)
	for i := 0; i < 2*n; i++ {
		s := c.slots[c.hand]
		c.hand = (c.hand + 1) % n

		if !s.valid {
			return s, kerr.None
		}
		if s.pins > 0 {
			continue
		}
		if s.ref {
			s.ref = false
			continue
		}
		c.evictLocked(s)
		return s, kerr.None
	}
	return nil, kerr.Exhausted
}

// evictLocked writes back s if dirty and removes it from the index. The
// caller holds c.mu.
func (c *Cache) evictLocked(s *Entry) {
	if s.dirty {
		c.dev.WriteBlock(s.id, &s.data)
		klog.Infof(klog.Fields{"block": s.id}, "blkcache: wrote back dirty entry on eviction")
	}
	delete(c.index, s.id)
	s.valid = false
	s.dirty = false
}

// MarkDirty marks e as dirty; every mutation to an entry's buffer must be
// followed by this call so eviction and SyncAll know to write it back.
func (c *Cache) MarkDirty(e *Entry) {
	c.mu.Lock()
	e.dirty = true
	c.mu.Unlock()
}

// Put releases the caller's pin on e, taken by Get. An entry reaching zero
// pins becomes eligible for eviction again.
func (c *Cache) Put(e *Entry) {
	c.mu.Lock()
	e.pins--
	c.mu.Unlock()
}

// SyncAll walks every valid entry and writes back the dirty ones,
// matching §4.10's global sync_all operation.
func (c *Cache) SyncAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.valid && s.dirty {
			c.dev.WriteBlock(s.id, &s.data)
			s.dirty = false
		}
	}
}
