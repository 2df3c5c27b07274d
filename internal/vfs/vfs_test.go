package vfs

import (
	"encoding/binary"
	"testing"

	"duckos/internal/blockdev"
	"duckos/internal/fat32"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/mem"
)

func buildBootSector(dev *blockdev.Memory, totalSectors uint32) {
	var b [512]byte
	b[0] = 0xEB
	b[2] = 0x90
	binary.LittleEndian.PutUint16(b[11:13], kconfig.SectorSize)
	b[13] = 1
	binary.LittleEndian.PutUint16(b[14:16], 32)
	b[16] = 2
	binary.LittleEndian.PutUint32(b[32:36], totalSectors)
	binary.LittleEndian.PutUint32(b[36:40], 16)
	binary.LittleEndian.PutUint32(b[44:48], 2)
	binary.LittleEndian.PutUint16(b[48:50], 1)
	binary.LittleEndian.PutUint16(b[50:52], 6)
	dev.WriteBlock(0, &b)

	var fsinfo [512]byte
	binary.LittleEndian.PutUint32(fsinfo[488:492], 1000)
	binary.LittleEndian.PutUint32(fsinfo[492:496], 3)
	dev.WriteBlock(1, &fsinfo)

	// FAT: reserved entries 0 and 1, and the root directory's single
	// cluster marked end-of-chain, in both FAT copies.
	var fat [512]byte
	binary.LittleEndian.PutUint32(fat[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:12], 0x0FFFFFFF)
	dev.WriteBlock(32, &fat)
	dev.WriteBlock(48, &fat)
}

func newFixture(t *testing.T) *VFS {
	t.Helper()
	dev := blockdev.NewMemory()
	buildBootSector(dev, 8192)
	fs, errc := fat32.Mount(dev, 64)
	if errc != kerr.None {
		t.Fatalf("mount fat32: %v", errc)
	}
	arena := mem.NewArena(mem.Pa(0x1000), 256)
	alloc := mem.NewFrameAllocator(arena)
	v, errc := New(alloc, fs)
	if errc != kerr.None {
		t.Fatalf("mount vfs: %v", errc)
	}
	return v
}

func TestLookupRootSucceeds(t *testing.T) {
	v := newFixture(t)
	d, errc := v.Lookup(v.Root(), "/")
	if errc != kerr.None {
		t.Fatalf("lookup root: %v", errc)
	}
	if !d.Inode.IsDir() {
		t.Fatal("expected root to be a directory")
	}
}

func TestCreateThenLookupFindsFile(t *testing.T) {
	v := newFixture(t)
	d, errc := v.Create(v.Root(), "A.TXT")
	if errc != kerr.None {
		t.Fatalf("create: %v", errc)
	}
	if d.Inode.IsDir() {
		t.Fatal("expected a regular file")
	}

	found, errc := v.Lookup(v.Root(), "A.TXT")
	if errc != kerr.None {
		t.Fatalf("lookup: %v", errc)
	}
	if found.Inode.Ino() != d.Inode.Ino() {
		t.Fatal("expected lookup to find the same inode just created")
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	v := newFixture(t)
	if _, errc := v.Create(v.Root(), "DUP.TXT"); errc != kerr.None {
		t.Fatalf("create: %v", errc)
	}
	if _, errc := v.Create(v.Root(), "DUP.TXT"); errc != kerr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", errc)
	}
}

func TestUnlinkRemovesFromLookup(t *testing.T) {
	v := newFixture(t)
	v.Create(v.Root(), "GONE.TXT")
	if errc := v.Unlink(v.Root(), "GONE.TXT"); errc != kerr.None {
		t.Fatalf("unlink: %v", errc)
	}
	if _, errc := v.Lookup(v.Root(), "GONE.TXT"); errc != kerr.NotFound {
		t.Fatalf("expected NotFound after unlink, got %v", errc)
	}
}

func TestDentryCacheContainsRootAndChildren(t *testing.T) {
	v := newFixture(t)
	if _, ok := v.cached("/"); !ok {
		t.Fatal("expected the root dentry to be cached under \"/\"")
	}

	names := []string{"ONE.TXT", "TWO.TXT", "THREE.TXT"}
	for _, name := range names {
		if _, errc := v.Create(v.Root(), name); errc != kerr.None {
			t.Fatalf("create %s: %v", name, errc)
		}
	}

	for _, name := range names {
		want := "/" + name
		cached, ok := v.cached(want)
		if !ok {
			t.Fatalf("expected dentry cache to contain %q", want)
		}
		if cached.Path != want {
			t.Fatalf("expected cached dentry's Path to equal its cache key %q, got %q", want, cached.Path)
		}
	}
}

func TestDentryPathMatchesParentPlusName(t *testing.T) {
	v := newFixture(t)
	d, errc := v.Create(v.Root(), "NESTED.TXT")
	if errc != kerr.None {
		t.Fatalf("create: %v", errc)
	}
	want := "/" + d.Name
	if d.Parent.Path != "/" {
		want = d.Parent.Path + "/" + d.Name
	}
	if d.Path != want {
		t.Fatalf("expected Path %q, got %q", want, d.Path)
	}
}

func TestFDTableOpenWriteReadRoundTrip(t *testing.T) {
	v := newFixture(t)
	ft := NewFDTable(v, nil, nil, nil)

	fd, errc := ft.Open("FILE.TXT", true)
	if errc != kerr.None {
		t.Fatalf("open: %v", errc)
	}
	f, errc := ft.get(fd)
	if errc != kerr.None {
		t.Fatalf("get: %v", errc)
	}
	n, errc := f.Write([]byte("hello vfs"))
	if errc != kerr.None {
		t.Fatalf("write: %v", errc)
	}
	if n != len("hello vfs") {
		t.Fatalf("expected %d bytes written, got %d", len("hello vfs"), n)
	}

	if _, errc := f.Seek(0, SeekSet); errc != kerr.None {
		t.Fatalf("seek: %v", errc)
	}
	buf := make([]byte, n)
	n2, errc := f.Read(buf)
	if errc != kerr.None {
		t.Fatalf("read: %v", errc)
	}
	if string(buf[:n2]) != "hello vfs" {
		t.Fatalf("expected %q, got %q", "hello vfs", string(buf[:n2]))
	}
}

func TestFDTableDupSharesCursor(t *testing.T) {
	v := newFixture(t)
	ft := NewFDTable(v, nil, nil, nil)
	fd, _ := ft.Open("DUPD.TXT", true)
	f, _ := ft.get(fd)
	f.Write([]byte("abcdef"))
	f.Seek(0, SeekSet)

	newfd, errc := ft.Dup(nil, fd)
	if errc != kerr.None {
		t.Fatalf("dup: %v", errc)
	}
	dup, _ := ft.get(newfd)
	buf := make([]byte, 3)
	dup.Read(buf)
	if string(buf) != "abc" {
		t.Fatalf("expected dup to read from shared cursor, got %q", buf)
	}
	orig, _ := ft.get(fd)
	buf2 := make([]byte, 3)
	orig.Read(buf2)
	if string(buf2) != "def" {
		t.Fatalf("expected original fd's cursor to have advanced via the dup, got %q", buf2)
	}
}

func TestFDTableCloseMakesFdUnusable(t *testing.T) {
	v := newFixture(t)
	ft := NewFDTable(v, nil, nil, nil)
	fd, _ := ft.Open("CLOSEME.TXT", true)
	if errc := ft.Close(fd); errc != kerr.None {
		t.Fatalf("close: %v", errc)
	}
	if _, errc := ft.get(fd); errc != kerr.NotFound {
		t.Fatalf("expected NotFound on closed fd, got %v", errc)
	}
}

func TestStdioSentinelsOccupyFirstThreeFds(t *testing.T) {
	v := newFixture(t)
	var out []byte
	sink := func(b []byte) (int, kerr.Code) {
		out = append(out, b...)
		return len(b), kerr.None
	}
	ft := NewFDTable(v, sink, sink, nil)
	f, errc := ft.get(1)
	if errc != kerr.None {
		t.Fatalf("get stdout: %v", errc)
	}
	f.Write([]byte("hi"))
	if string(out) != "hi" {
		t.Fatalf("expected sink to receive %q, got %q", "hi", string(out))
	}
}
