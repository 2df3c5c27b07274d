package vma

import (
	"testing"

	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/pgtbl"
)

func fixture(t *testing.T) (*mem.FrameAllocator, *pgtbl.Table) {
	t.Helper()
	arena := mem.NewArena(mem.Pa(0x80200000), 8192)
	alloc := mem.NewFrameAllocator(arena)
	pt, errc := pgtbl.New(alloc, arena)
	if errc != kerr.None {
		t.Fatalf("new table: %v", errc)
	}
	return alloc, pt
}

func TestMapAllFramedAndRemove(t *testing.T) {
	alloc, pt := fixture(t)
	v := New(mem.Va(0x2000), mem.Va(0x5000), pgtbl.R|pgtbl.W|pgtbl.U, Framed, UserHeap)

	if errc := v.MapAll(pt, alloc); errc != kerr.None {
		t.Fatalf("map_all: %v", errc)
	}
	if len(v.Pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(v.Pages))
	}
	for vpn := range v.Pages {
		if _, ok := pt.Lookup(vpn); !ok {
			t.Fatalf("vpn %v not mapped after MapAll", vpn)
		}
	}
	before := alloc.FreeCount()
	v.Remove(pt)
	if len(v.Pages) != 0 {
		t.Fatal("expected Pages cleared after Remove")
	}
	if got := alloc.FreeCount(); got != before+3 {
		t.Fatalf("expected frames returned on Remove: got %d want %d", got, before+3)
	}
}

func TestSplitMovesPagesToRightHalf(t *testing.T) {
	alloc, pt := fixture(t)
	v := New(mem.Va(0x1000), mem.Va(0x4000), pgtbl.R|pgtbl.U, Framed, UserHeap)
	v.MapAll(pt, alloc)

	right := v.Split(mem.Va(0x3000))
	if v.End != mem.Va(0x3000) || right.Start != mem.Va(0x3000) || right.End != mem.Va(0x4000) {
		t.Fatalf("unexpected split bounds: v=[%v,%v) right=[%v,%v)", v.Start, v.End, right.Start, right.End)
	}
	if len(v.Pages) != 2 || len(right.Pages) != 1 {
		t.Fatalf("pages not partitioned correctly: left=%d right=%d", len(v.Pages), len(right.Pages))
	}
}

func TestSplitAdjustsRightHalfFileOffset(t *testing.T) {
	v := New(mem.Va(0x1000), mem.Va(0x4000), pgtbl.R|pgtbl.U, Framed, Mmap)
	v.FileOff = 0x8000

	right := v.Split(mem.Va(0x3000))
	if v.FileOff != 0x8000 {
		t.Fatalf("expected left half's FileOff unchanged, got %#x", v.FileOff)
	}
	wantRightOff := int64(0x8000 + 0x2000)
	if right.FileOff != wantRightOff {
		t.Fatalf("expected right half's FileOff %#x, got %#x", wantRightOff, right.FileOff)
	}
}

func TestUnmapIfOverlapVerdicts(t *testing.T) {
	alloc, pt := fixture(t)

	mk := func() *Vma {
		v := New(mem.Va(0x10000), mem.Va(0x14000), pgtbl.R|pgtbl.U, Framed, UserHeap)
		v.MapAll(pt, alloc)
		return v
	}

	if r := UnmapIfOverlap(mk(), mem.Va(0), mem.Va(0x1000), pt); r.Verdict != Unchange {
		t.Fatalf("expected Unchange, got %v", r.Verdict)
	}
	if r := UnmapIfOverlap(mk(), mem.Va(0x10000), mem.Va(0x14000), pt); r.Verdict != Removed {
		t.Fatalf("expected Removed, got %v", r.Verdict)
	}
	if r := UnmapIfOverlap(mk(), mem.Va(0), mem.Va(0x11000), pt); r.Verdict != Shrink {
		t.Fatalf("expected Shrink (front), got %v", r.Verdict)
	}
	if r := UnmapIfOverlap(mk(), mem.Va(0x13000), mem.Va(0x20000), pt); r.Verdict != Shrink {
		t.Fatalf("expected Shrink (back), got %v", r.Verdict)
	}
	v := mk()
	r := UnmapIfOverlap(v, mem.Va(0x11000), mem.Va(0x12000), pt)
	if r.Verdict != SplitVerdict || r.Right == nil {
		t.Fatalf("expected SplitVerdict with a right half, got %v", r.Verdict)
	}
	if v.End != mem.Va(0x11000) || r.Right.Start != mem.Va(0x12000) || r.Right.End != mem.Va(0x14000) {
		t.Fatalf("unexpected split-after-unmap bounds: v=[%v,%v) right=[%v,%v)", v.Start, v.End, r.Right.Start, r.Right.End)
	}
}

func TestSplitIfOverlapVerdicts(t *testing.T) {
	alloc, pt := fixture(t)
	mk := func() *Vma {
		v := New(mem.Va(0x10000), mem.Va(0x14000), pgtbl.R|pgtbl.U, Framed, UserHeap)
		v.MapAll(pt, alloc)
		return v
	}

	if r := SplitIfOverlap(mk(), mem.Va(0x10000), mem.Va(0x14000), pgtbl.R, pt); r.Verdict != Modified {
		t.Fatalf("expected Modified, got %v", r.Verdict)
	}

	v := mk()
	r := SplitIfOverlap(v, mem.Va(0x11000), mem.Va(0x12000), pgtbl.R, pt)
	if r.Verdict != OverlapSplit || r.Middle == nil || r.Right == nil {
		t.Fatalf("expected OverlapSplit with middle+right, got %v", r.Verdict)
	}
	if v.Start != mem.Va(0x10000) || v.End != mem.Va(0x11000) {
		t.Fatalf("left remainder wrong: [%v,%v)", v.Start, v.End)
	}
	if r.Middle.Start != mem.Va(0x11000) || r.Middle.End != mem.Va(0x12000) || r.Middle.Perm != pgtbl.R {
		t.Fatalf("middle wrong: [%v,%v) perm=%v", r.Middle.Start, r.Middle.End, r.Middle.Perm)
	}
	if r.Right.Start != mem.Va(0x12000) || r.Right.End != mem.Va(0x14000) {
		t.Fatalf("right remainder wrong: [%v,%v)", r.Right.Start, r.Right.End)
	}
}
