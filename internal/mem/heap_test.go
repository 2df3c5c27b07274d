package mem

import (
	"testing"

	"duckos/internal/kerr"
)

// Scenario 1 of §8 (heap test), adapted to this module's hosted buddy
// heap: allocate a small block, write a value, free it; allocate a larger
// block sized for 500 ints, push 0..500, read back each element and
// assert the sequence equals the input.
func TestHeapAllocFreeRoundTrip(t *testing.T) {
	h := NewHeap(6, 16) // 64B..64KiB blocks

	blk, errc := h.Alloc(8)
	if errc != kerr.None {
		t.Fatalf("alloc: %v", errc)
	}
	blk[0] = 5
	if blk[0] != 5 {
		t.Fatalf("expected 5, got %d", blk[0])
	}
	h.Free(blk, 8)

	const n = 500
	vec, errc := h.Alloc(n * 8)
	if errc != kerr.None {
		t.Fatalf("alloc vector: %v", errc)
	}
	for i := 0; i < n; i++ {
		vec[i*8] = byte(i)
	}
	for i := 0; i < n; i++ {
		if vec[i*8] != byte(i) {
			t.Fatalf("mismatch at %d: got %d", i, vec[i*8])
		}
	}
	h.Free(vec, n*8)
}

func TestHeapSplitAndMerge(t *testing.T) {
	h := NewHeap(4, 8) // 16B..256B

	a, _ := h.Alloc(16)
	b, _ := h.Alloc(16)
	c, _ := h.Alloc(16)

	h.Free(a, 16)
	h.Free(b, 16)
	h.Free(c, 16)

	// after freeing everything, the heap should be able to satisfy a
	// full-size allocation again, proving buddies were merged back up.
	whole, errc := h.Alloc(256)
	if errc != kerr.None {
		t.Fatalf("expected merge to reconstitute top block, got %v", errc)
	}
	h.Free(whole, 256)
}

func TestHeapOutOfMemory(t *testing.T) {
	h := NewHeap(4, 5) // only 32 bytes total
	if _, errc := h.Alloc(64); errc != kerr.NoMemory {
		t.Fatalf("expected NoMemory, got %v", errc)
	}
}
