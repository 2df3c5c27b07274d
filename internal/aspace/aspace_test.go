package aspace

import (
	"testing"

	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/page"
	"duckos/internal/pgtbl"
	"duckos/internal/vma"
)

func newFixture(t *testing.T) (*mem.FrameAllocator, *mem.Arena, *AddressSpace) {
	t.Helper()
	arena := mem.NewArena(mem.Pa(0x80200000), 8192)
	alloc := mem.NewFrameAllocator(arena)
	kernel, errc := NewKernel(alloc, arena, nil)
	if errc != kerr.None {
		t.Fatalf("new kernel: %v", errc)
	}
	user, errc := NewUser(kernel, alloc, arena)
	if errc != kerr.None {
		t.Fatalf("new user: %v", errc)
	}
	return alloc, arena, user
}

func TestAllocVmaAnywhereAvoidsOverlap(t *testing.T) {
	_, _, as := newFixture(t)

	v1, errc := as.AllocVmaAnywhere(mem.Va(0x1000), 0x3000, pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	if errc != kerr.None {
		t.Fatalf("alloc1: %v", errc)
	}
	v2, errc := as.AllocVmaAnywhere(mem.Va(0x1000), 0x1000, pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	if errc != kerr.None {
		t.Fatalf("alloc2: %v", errc)
	}
	if v2.Overlap(v1.Start, v1.End) {
		t.Fatalf("v2 [%v,%v) overlaps v1 [%v,%v)", v2.Start, v2.End, v1.Start, v1.End)
	}
}

func TestAllocVmaFixedUnmapsOverlap(t *testing.T) {
	_, _, as0 := newFixture(t)
	v1, errc := as0.AllocVmaFixed(mem.Va(0x10000), mem.Va(0x14000), pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	if errc != kerr.None {
		t.Fatalf("fixed1: %v", errc)
	}
	if errc := as0.Push(v1); errc != kerr.None {
		t.Fatalf("push: %v", errc)
	}

	v2, errc := as0.AllocVmaFixed(mem.Va(0x11000), mem.Va(0x12000), pgtbl.R|pgtbl.U, vma.Framed, vma.UserHeap)
	if errc != kerr.None {
		t.Fatalf("fixed2: %v", errc)
	}
	if v2.Start != mem.Va(0x11000) || v2.End != mem.Va(0x12000) {
		t.Fatalf("unexpected v2 bounds [%v,%v)", v2.Start, v2.End)
	}
	// v1 should have been split around the hole; no VMA may still claim
	// [0x11000,0x12000).
	for _, v := range as0.vmas {
		if v != v2 && v.Overlap(mem.Va(0x11000), mem.Va(0x12000)) {
			t.Fatalf("vma [%v,%v) still overlaps the fixed hole", v.Start, v.End)
		}
	}
}

func TestPageFaultAnonLazyAllocatesOnce(t *testing.T) {
	_, _, as := newFixture(t)
	v := vma.New(mem.Va(0x20000), mem.Va(0x21000), pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	as.PushLazy(v)

	fences0 := pgtbl.FenceCount()
	if errc := as.PageFault(mem.Va(0x20123), true); errc != kerr.None {
		t.Fatalf("page fault: %v", errc)
	}
	if len(v.Pages) != 1 {
		t.Fatalf("expected 1 page after fault, got %d", len(v.Pages))
	}
	if got := pgtbl.FenceCount(); got != fences0+1 {
		t.Fatalf("expected exactly one tlb fence, got %d", got-fences0)
	}
	if _, ok := as.PT.Lookup(mem.Va(0x20123).Vpn()); !ok {
		t.Fatal("fault address not mapped after handling")
	}

	// A second fault at an already-mapped address is a no-op, not a second
	// allocation.
	if errc := as.PageFault(mem.Va(0x20456), true); errc != kerr.None {
		t.Fatalf("second page fault: %v", errc)
	}
	if len(v.Pages) != 1 {
		t.Fatalf("expected still 1 page, got %d", len(v.Pages))
	}
}

func TestPageFaultOutsideAnyVmaIsSegv(t *testing.T) {
	_, _, as := newFixture(t)
	if errc := as.PageFault(mem.Va(0x9999000), true); errc != kerr.SegV {
		t.Fatalf("expected SegV, got %v", errc)
	}
}

func TestForkSharesPagesCowAndWriteFaultCopies(t *testing.T) {
	alloc, arena, parent := newFixture(t)
	kernel, errc := NewKernel(alloc, arena, nil)
	if errc != kerr.None {
		t.Fatalf("new kernel: %v", errc)
	}

	v := vma.New(mem.Va(0x30000), mem.Va(0x31000), pgtbl.R|pgtbl.W|pgtbl.U, vma.Framed, vma.UserHeap)
	if errc := parent.Push(v); errc != kerr.None {
		t.Fatalf("push: %v", errc)
	}
	vpn := mem.Va(0x30000).Vpn()
	parentPage := v.Pages[vpn]
	parentPage.Frame.Page()[0] = 0xAB

	child, errc := parent.FromUserLazily(alloc, arena, kernel)
	if errc != kerr.None {
		t.Fatalf("fork: %v", errc)
	}
	if parentPage.Strong() != 2 {
		t.Fatalf("expected strong count 2 after fork, got %d", parentPage.Strong())
	}
	if _, ok := parent.Cow.Get(vpn); !ok {
		t.Fatal("parent cow table missing entry after fork")
	}
	if _, ok := child.Cow.Get(vpn); !ok {
		t.Fatal("child cow table missing entry after fork")
	}

	// Writing through the child should copy, not mutate the parent's frame.
	if errc := child.PageFault(mem.Va(0x30000), true); errc != kerr.None {
		t.Fatalf("child write fault: %v", errc)
	}
	if parentPage.Strong() != 1 {
		t.Fatalf("expected parent's strong count back to 1, got %d", parentPage.Strong())
	}
	if _, ok := child.Cow.Get(vpn); ok {
		t.Fatal("child cow entry should be cleared after copy")
	}
	if got := parentPage.Frame.Page()[0]; got != 0xAB {
		t.Fatalf("parent's frame mutated by child's copy-on-write fault: %#x", got)
	}

	// The still-COW-shared parent, now sole owner, resolves in place on its
	// own write fault.
	if errc := parent.PageFault(mem.Va(0x30000), true); errc != kerr.None {
		t.Fatalf("parent write fault: %v", errc)
	}
	if _, ok := parent.Cow.Get(vpn); ok {
		t.Fatal("parent cow entry should be cleared once sole owner")
	}
}

// fakeCache is a minimal vma.PageProvider backed by a single frame, used to
// exercise the mmap fault path without a real inode or page cache.
type fakeCache struct {
	pg *page.Page
}

func (c *fakeCache) FindPage(offset int64) (*page.Page, kerr.Code) {
	return c.pg, kerr.None
}

func TestPageFaultMmapUsesPageCache(t *testing.T) {
	alloc, _, as := newFixture(t)
	frame, errc := alloc.Alloc()
	if errc != kerr.None {
		t.Fatalf("alloc: %v", errc)
	}
	frame.Page()[0] = 0x42
	cache := &fakeCache{pg: page.New(frame)}

	v := vma.New(mem.Va(0x40000), mem.Va(0x41000), pgtbl.R|pgtbl.U, vma.Framed, vma.Mmap)
	v.Cache = cache
	as.PushLazy(v)

	if errc := as.PageFault(mem.Va(0x40010), false); errc != kerr.None {
		t.Fatalf("mmap fault: %v", errc)
	}
	pte, ok := as.PT.Lookup(mem.Va(0x40000).Vpn())
	if !ok {
		t.Fatal("mmap fault did not map the page")
	}
	if pte.Ppn() != frame.Ppn() {
		t.Fatalf("mapped wrong frame: got %v want %v", pte.Ppn(), frame.Ppn())
	}
	if cache.pg.Strong() != 2 {
		t.Fatalf("expected shared page's strong count to be 2, got %d", cache.pg.Strong())
	}
}
