// Package page implements §3's Page: a frame plus an access-permission
// summary and an optional disk-backing descriptor, shared by multiple
// address spaces during copy-on-write.
package page

import (
	"sync/atomic"

	"duckos/internal/mem"
)

// SectorState is the per-sector state tracked by a disk-backed page's page
// cache (§4.13): {Init, Sync, Dirty}.
type SectorState int32

const (
	// Init means the sector has never been read from or written to.
	Init SectorState = iota
	// Sync means the sector's content matches what is on disk.
	Sync
	// Dirty means the sector has been written and not yet flushed.
	Dirty
)

// InodeBackend is the minimal surface a Page's disk-backing descriptor
// needs from an inode: read/write one BSIZE-ish sector's worth of bytes at
// a byte offset. Defined here (rather than importing the vfs package)
// specifically to avoid a mem/page <-> vfs import cycle, since both the
// VMA/address-space code and the VFS page cache need to share this Page
// type. vfs.Inode implements this interface.
type InodeBackend interface {
	Ino() uint64
	ReadSector(off int64, buf []byte) error
	WriteSector(off int64, buf []byte) error
}

// Backing is a Page's optional disk-backing descriptor: a weak inode
// reference, a page-size-aligned file offset, and per-sector state.
//
// The spec calls the inode reference "weak": in a freestanding kernel that
// matters for teardown ordering (the page must not keep the inode alive).
// Hosted on Go's GC, nothing here pins the inode any harder than any other
// pointer would; what the spec actually cares about — that this page does
// not itself participate in deciding whether an inode is "still open" —
// is preserved because vfs.Inode's own open-count, not this field, is the
// lifetime authority.
type Backing struct {
	Inode      InodeBackend
	Offset     int64
	SectorSize int
	Sectors    []SectorState
}

// Page is a frame plus a COW-shareable strong count and an optional
// Backing. The COW manager (aspace.CowTable) and address spaces hold
// strong references by pointer; Retain/Release track how many address
// spaces currently share the frame, resolving the Open Question in §9
// about conflating an Arc strong count with a separate in-struct counter:
// this module uses exactly one counter, held here, and nothing else.
type Page struct {
	Frame   *mem.Tracker
	strong  int32
	Backing *Backing
}

// New wraps frame in a Page with an initial strong count of one.
func New(frame *mem.Tracker) *Page {
	return &Page{Frame: frame, strong: 1}
}

// Retain increments the strong count and returns the new value.
func (p *Page) Retain() int32 { return atomic.AddInt32(&p.strong, 1) }

// Release decrements the strong count and returns the new value. When it
// reaches zero the caller must free the underlying frame.
func (p *Page) Release() int32 { return atomic.AddInt32(&p.strong, -1) }

// Strong returns the current strong count.
func (p *Page) Strong() int32 { return atomic.LoadInt32(&p.strong) }

// NewBacking creates a Backing descriptor for a page-aligned file offset,
// with every sector starting in the Init state.
func NewBacking(inode InodeBackend, offset int64, sectorSize, pageSize int) *Backing {
	n := pageSize / sectorSize
	return &Backing{
		Inode:      inode,
		Offset:     offset,
		SectorSize: sectorSize,
		Sectors:    make([]SectorState, n),
	}
}
