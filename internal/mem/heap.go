package mem

import (
	"sync"
	"unsafe"

	"duckos/internal/kerr"
)

// Heap is the kernel's general-purpose dynamic allocator of §4.2: a buddy
// allocator over a fixed-size static region, supplying the memory backing
// kernel collections (the hashtable, dentry cache, block-cache ring, and
// so on would all come from here in a freestanding kernel; in this hosted
// module, Go's own runtime heap plays that role for Go-level collections,
// and Heap exists to give the few components that want raw byte buffers
// with explicit lifetime — e.g. a disk-sector-sized scratch buffer — a
// buddy-managed home instead of reaching for the garbage collector).
//
// Grounded on the buddy-allocator role described in §4.2; the teacher
// (biscuit) relies on the modified Go runtime's own allocator for this
// concern rather than hand-rolling one, so the split/merge bookkeeping
// here follows the standard textbook buddy-system algorithm instead of
// teacher code.
type Heap struct {
	mu       sync.Mutex
	base     []byte
	minOrder uint
	maxOrder uint
	free     [][]int // free[order] = list of block indices (in units of 1<<minOrder)
}

// NewHeap creates a buddy heap of size 1<<maxOrder bytes, splittable down
// to blocks of 1<<minOrder bytes.
func NewHeap(minOrder, maxOrder uint) *Heap {
	if maxOrder < minOrder {
		panic("mem: heap maxOrder < minOrder")
	}
	h := &Heap{
		base:     make([]byte, 1<<maxOrder),
		minOrder: minOrder,
		maxOrder: maxOrder,
		free:     make([][]int, maxOrder-minOrder+1),
	}
	// The whole region starts as one free block at the top order.
	h.free[len(h.free)-1] = []int{0}
	return h
}

func (h *Heap) orderFor(size int) uint {
	order := h.minOrder
	need := uintptr(size)
	for uintptr(1)<<order < need {
		order++
	}
	return order
}

// Alloc returns a zeroed byte slice of at least size bytes with a stable
// backing array, or NoMemory if no block of sufficient order is free.
func (h *Heap) Alloc(size int) ([]byte, kerr.Code) {
	if size <= 0 {
		return nil, kerr.BadArgument
	}
	order := h.orderFor(size)
	if order > h.maxOrder {
		return nil, kerr.NoMemory
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.popFree(order)
	if !ok {
		return nil, kerr.NoMemory
	}
	off := idx << h.minOrder
	blk := h.base[off : off+(1<<order)]
	for i := range blk {
		blk[i] = 0
	}
	return blk[:size], kerr.None
}

// popFree returns a free block index at exactly `order`, splitting a
// larger block if necessary.
func (h *Heap) popFree(order uint) (int, bool) {
	level := order - h.minOrder
	if int(level) >= len(h.free) {
		return 0, false
	}
	if n := len(h.free[level]); n > 0 {
		idx := h.free[level][n-1]
		h.free[level] = h.free[level][:n-1]
		return idx, true
	}
	// split the next larger block in two buddies
	parentIdx, ok := h.popFree(order + 1)
	if !ok {
		return 0, false
	}
	blockUnits := 1 << level
	buddyIdx := parentIdx + blockUnits
	h.free[level] = append(h.free[level], buddyIdx)
	return parentIdx, true
}

// Free returns blk, previously returned by Alloc with the given size, to
// the heap, merging with its buddy when possible.
func (h *Heap) Free(blk []byte, size int) {
	order := h.orderFor(size)
	// recover the block's offset via pointer arithmetic against base.
	basePtr := uintptr(unsafe.Pointer(&h.base[0]))
	blkPtr := uintptr(unsafe.Pointer(&blk[:1][0]))
	idx := int(blkPtr-basePtr) >> h.minOrder

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushFree(idx, order)
}

func (h *Heap) pushFree(idx int, order uint) {
	level := order - h.minOrder
	if int(level) >= len(h.free)-1 {
		h.free[level] = append(h.free[level], idx)
		return
	}
	blockUnits := 1 << level
	buddy := idx ^ blockUnits
	list := h.free[level]
	for i, v := range list {
		if v == buddy {
			h.free[level] = append(list[:i], list[i+1:]...)
			merged := idx
			if buddy < idx {
				merged = buddy
			}
			h.pushFree(merged, order+1)
			return
		}
	}
	h.free[level] = append(list, idx)
}
