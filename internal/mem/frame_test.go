package mem

import (
	"testing"

	"duckos/internal/kerr"
)

func testArena(t *testing.T, pages int) *Arena {
	t.Helper()
	return NewArena(Pa(0x80200000), pages)
}

// Scenario 2 of §8: alloc five frames, keep the last four, drop the
// first; alloc five more and assert the first returned equals the
// just-dropped PPN (LIFO discipline of the bitmap's free hint); alloc 10
// contiguous frames and assert they differ by one.
func TestFrameAllocatorLIFOAndContiguous(t *testing.T) {
	fa := NewFrameAllocator(testArena(t, 4096))

	freeBefore := fa.FreeCount()

	trackers := make([]*Tracker, 5)
	for i := range trackers {
		tr, errc := fa.Alloc()
		if errc != kerr.None {
			t.Fatalf("alloc %d: %v", i, errc)
		}
		trackers[i] = tr
	}

	dropped := trackers[0].Ppn()
	trackers[0].Free()

	second := make([]*Tracker, 5)
	for i := range second {
		tr, errc := fa.Alloc()
		if errc != kerr.None {
			t.Fatalf("alloc (2nd round) %d: %v", i, errc)
		}
		second[i] = tr
	}
	if second[0].Ppn() != dropped {
		t.Fatalf("expected first reuse to be dropped ppn %v, got %v", dropped, second[0].Ppn())
	}

	for _, tr := range trackers[1:] {
		tr.Free()
	}
	for _, tr := range second {
		tr.Free()
	}
	if got := fa.FreeCount(); got != freeBefore {
		t.Fatalf("free count not restored: want %d got %d", freeBefore, got)
	}

	contig, errc := fa.AllocContiguous(10)
	if errc != kerr.None {
		t.Fatalf("alloc_contiguous: %v", errc)
	}
	for i := 1; i < len(contig); i++ {
		if contig[i].Ppn() != contig[i-1].Ppn()+1 {
			t.Fatalf("contiguous frames not adjacent at %d: %v vs %v", i, contig[i-1].Ppn(), contig[i].Ppn())
		}
	}
	for _, tr := range contig {
		tr.Free()
	}
}

func TestFrameAllocatorExhaustion(t *testing.T) {
	fa := NewFrameAllocator(testArena(t, 4))
	var held []*Tracker
	for i := 0; i < 4; i++ {
		tr, errc := fa.Alloc()
		if errc != kerr.None {
			t.Fatalf("unexpected exhaustion at %d", i)
		}
		held = append(held, tr)
	}
	if _, errc := fa.Alloc(); errc != kerr.Exhausted {
		t.Fatalf("expected Exhausted, got %v", errc)
	}
	for _, tr := range held {
		tr.Free()
	}
}

func TestFrameDoubleFreePanics(t *testing.T) {
	fa := NewFrameAllocator(testArena(t, 4))
	tr, _ := fa.Alloc()
	tr.Free()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	tr.Free()
}

func TestFrameZeroedOnAlloc(t *testing.T) {
	fa := NewFrameAllocator(testArena(t, 4))
	tr, _ := fa.Alloc()
	page := tr.Page()
	for i := range page {
		page[i] = 0xAB
	}
	tr.Free()

	tr2, _ := fa.Alloc()
	for i, b := range tr2.Page() {
		if b != 0 {
			t.Fatalf("frame not zeroed at %d: %#x", i, b)
		}
	}
}
