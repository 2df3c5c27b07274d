package pagecache

import (
	"testing"

	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/page"
)

// fakeInode is a host-memory-backed page.InodeBackend for testing, storing
// sectors in a plain map keyed by byte offset.
type fakeInode struct {
	sectors map[int64][]byte
}

func newFakeInode() *fakeInode {
	return &fakeInode{sectors: make(map[int64][]byte)}
}

func (f *fakeInode) Ino() uint64 { return 1 }

func (f *fakeInode) ReadSector(off int64, buf []byte) error {
	if s, ok := f.sectors[off]; ok {
		copy(buf, s)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (f *fakeInode) WriteSector(off int64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.sectors[off] = cp
	return nil
}

func newFixture(t *testing.T) (*Cache, *fakeInode) {
	t.Helper()
	arena := mem.NewArena(mem.Pa(0x1000), 64)
	fa := mem.NewFrameAllocator(arena)
	inode := newFakeInode()
	return New(fa, inode), inode
}

func TestFindPageReadsThroughOnMiss(t *testing.T) {
	c, inode := newFixture(t)
	inode.sectors[0] = append(make([]byte, 0), bytes(0xAB, kconfig.SectorSize)...)

	pg, errc := c.FindPage(0)
	if errc != kerr.None {
		t.Fatalf("find_page: %v", errc)
	}
	buf := pg.Frame.Page()
	if buf[0] != 0xAB {
		t.Fatalf("expected first byte 0xAB, got %#x", buf[0])
	}
	for i, s := range pg.Backing.Sectors {
		if s != page.Sync {
			t.Fatalf("expected sector %d to be marked Sync after read-through, got %v", i, s)
		}
	}
}

func TestFindPageReturnsSamePageOnHit(t *testing.T) {
	c, _ := newFixture(t)
	pg1, _ := c.FindPage(100)
	pg2, _ := c.FindPage(200) // same page (both round down to offset 0)
	if pg1 != pg2 {
		t.Fatalf("expected offsets within the same page to resolve to the same Page")
	}
}

func TestFindPageDifferentPagesAreDistinct(t *testing.T) {
	c, _ := newFixture(t)
	pg1, _ := c.FindPage(0)
	pg2, _ := c.FindPage(kconfig.PageSize)
	if pg1 == pg2 {
		t.Fatalf("expected distinct pages for different page-aligned offsets")
	}
}

func TestMarkDirtyThenFlushWritesBackThroughInode(t *testing.T) {
	c, inode := newFixture(t)
	pg, errc := c.FindPage(0)
	if errc != kerr.None {
		t.Fatalf("find_page: %v", errc)
	}
	buf := pg.Frame.Page()
	for i := 0; i < kconfig.SectorSize; i++ {
		buf[i] = 0xCD
	}
	c.MarkDirty(0)

	if errc := c.Flush(); errc != kerr.None {
		t.Fatalf("flush: %v", errc)
	}

	written, ok := inode.sectors[0]
	if !ok {
		t.Fatalf("expected sector 0 written back")
	}
	if written[0] != 0xCD {
		t.Fatalf("expected written-back byte 0xCD, got %#x", written[0])
	}
}

func bytes(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
