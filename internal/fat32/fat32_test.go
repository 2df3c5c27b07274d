package fat32

import (
	"encoding/binary"
	"testing"

	"duckos/internal/blockdev"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
)

const (
	testReservedSectors = 32
	testNumFATs         = 2
	testSecPerClus      = 1
	testFATSize32       = 16
	testRootCluster     = 2
	testFSInfoSector    = 1
)

// buildBootSector writes a minimal valid FAT32 boot sector into block 0 of
// dev, per §6/§4.11's field layout.
func buildBootSector(dev *blockdev.Memory, totalSectors uint32) {
	var b [512]byte
	b[0] = 0xEB
	b[2] = 0x90
	binary.LittleEndian.PutUint16(b[11:13], kconfig.SectorSize)
	b[13] = testSecPerClus
	binary.LittleEndian.PutUint16(b[14:16], testReservedSectors)
	b[16] = testNumFATs
	binary.LittleEndian.PutUint32(b[32:36], totalSectors)
	binary.LittleEndian.PutUint32(b[36:40], testFATSize32)
	binary.LittleEndian.PutUint32(b[44:48], testRootCluster)
	binary.LittleEndian.PutUint16(b[48:50], testFSInfoSector)
	binary.LittleEndian.PutUint16(b[50:52], 6)
	dev.WriteBlock(0, &b)

	var fsinfo [512]byte
	binary.LittleEndian.PutUint32(fsinfo[488:492], 1000)
	binary.LittleEndian.PutUint32(fsinfo[492:496], 3)
	dev.WriteBlock(testFSInfoSector, &fsinfo)

	// FAT: reserved entries 0 and 1, and the root directory's single
	// cluster marked end-of-chain, in both FAT copies.
	var fat [512]byte
	binary.LittleEndian.PutUint32(fat[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:12], 0x0FFFFFFF)
	dev.WriteBlock(testReservedSectors, &fat)
	dev.WriteBlock(testReservedSectors+testFATSize32, &fat)
}

func mountFixture(t *testing.T) *FS {
	t.Helper()
	dev := blockdev.NewMemory()
	buildBootSector(dev, 8192)
	fs, errc := Mount(dev, 64)
	if errc != kerr.None {
		t.Fatalf("mount: %v", errc)
	}
	return fs
}

func TestParseBPBRejectsWrongSectorSize(t *testing.T) {
	var b [512]byte
	b[0] = 0xEB
	b[2] = 0x90
	binary.LittleEndian.PutUint16(b[11:13], 1024) // wrong
	if _, errc := ParseBPB(&b); errc != kerr.BadFS {
		t.Fatalf("expected BadFS, got %v", errc)
	}
}

func TestParseBPBRejectsNonPowerOfTwoSecPerClus(t *testing.T) {
	var b [512]byte
	b[0] = 0xEB
	b[2] = 0x90
	binary.LittleEndian.PutUint16(b[11:13], kconfig.SectorSize)
	b[13] = 3 // not a power of two
	binary.LittleEndian.PutUint32(b[32:36], 1000)
	if _, errc := ParseBPB(&b); errc != kerr.BadFS {
		t.Fatalf("expected BadFS, got %v", errc)
	}
}

func TestMountParsesValidBootSector(t *testing.T) {
	fs := mountFixture(t)
	if fs.BPB.SectorsPerCluster != testSecPerClus {
		t.Fatalf("unexpected sectors-per-cluster: %d", fs.BPB.SectorsPerCluster)
	}
	if fs.RootCluster() != testRootCluster {
		t.Fatalf("unexpected root cluster: %d", fs.RootCluster())
	}
	if fs.Info.FreeCount() != 1000 {
		t.Fatalf("unexpected free count: %d", fs.Info.FreeCount())
	}
}

func TestAllocFreeClusterRoundTrip(t *testing.T) {
	fs := mountFixture(t)
	freeBefore := fs.Info.FreeCount()

	c1, errc := fs.Fat.AllocCluster(fs.Info, 0)
	if errc != kerr.None {
		t.Fatalf("alloc1: %v", errc)
	}
	c2, errc := fs.Fat.AllocCluster(fs.Info, c1)
	if errc != kerr.None {
		t.Fatalf("alloc2: %v", errc)
	}

	chain, errc := fs.Fat.Walk(c1)
	if errc != kerr.None {
		t.Fatalf("walk: %v", errc)
	}
	if len(chain) != 2 || chain[0] != c1 || chain[1] != c2 {
		t.Fatalf("unexpected chain: %v", chain)
	}

	if errc := fs.Fat.FreeCluster(fs.Info, c2, c1); errc != kerr.None {
		t.Fatalf("free c2: %v", errc)
	}
	if errc := fs.Fat.FreeCluster(fs.Info, c1, 0); errc != kerr.None {
		t.Fatalf("free c1: %v", errc)
	}
	if fs.Info.FreeCount() != freeBefore {
		t.Fatalf("expected free count restored to %d, got %d", freeBefore, fs.Info.FreeCount())
	}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	fs := mountFixture(t)
	first, errc := fs.Fat.AllocCluster(fs.Info, 0)
	if errc != kerr.None {
		t.Fatalf("alloc: %v", errc)
	}
	f, errc := OpenFile(fs, first, 0)
	if errc != kerr.None {
		t.Fatalf("open: %v", errc)
	}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	n, errc := f.Write(data, 50)
	if errc != kerr.None {
		t.Fatalf("write: %v", errc)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}

	readBack := make([]byte, len(data))
	n, errc = f.Read(readBack, 50)
	if errc != kerr.None {
		t.Fatalf("read: %v", errc)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes read, got %d", len(data), n)
	}
	for i := range data {
		if readBack[i] != data[i] {
			t.Fatalf("mismatch at %d: wrote %#x read %#x", i, data[i], readBack[i])
		}
	}
}

func TestFileReadPastEndOfFileReturnsShortCount(t *testing.T) {
	fs := mountFixture(t)
	first, _ := fs.Fat.AllocCluster(fs.Info, 0)
	f, _ := OpenFile(fs, first, 0)
	f.Write([]byte("hello"), 0)

	buf := make([]byte, 20)
	n, errc := f.Read(buf, 3)
	if errc != kerr.None {
		t.Fatalf("read: %v", errc)
	}
	if n != 2 {
		t.Fatalf("expected short read of 2 bytes (5-3), got %d", n)
	}

	n, errc = f.Read(buf, 100)
	if errc != kerr.None {
		t.Fatalf("read past eof: %v", errc)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes for offset past size, got %d", n)
	}
}

func TestAddAndReadDirEntry(t *testing.T) {
	fs := mountFixture(t)
	rootClusters, errc := fs.Fat.Walk(fs.RootCluster())
	if errc != kerr.None {
		t.Fatalf("walk root: %v", errc)
	}
	_ = rootClusters

	fileClus, errc := fs.Fat.AllocCluster(fs.Info, 0)
	if errc != kerr.None {
		t.Fatalf("alloc: %v", errc)
	}
	rec, errc := fs.AddEntry(fs.RootCluster(), "HELLO.TXT", 0, fileClus, 0)
	if errc != kerr.None {
		t.Fatalf("add entry: %v", errc)
	}
	if rec.FirstCluster != fileClus {
		t.Fatalf("unexpected first cluster in record: %d", rec.FirstCluster)
	}

	entries, errc := fs.ReadDir(fs.RootCluster())
	if errc != kerr.None {
		t.Fatalf("readdir: %v", errc)
	}
	found := false
	for _, e := range entries {
		if e.Name == "HELLO.TXT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected to find HELLO.TXT among %+v", entries)
	}

	if errc := fs.RemoveEntry(rec.Sector, rec.Offset); errc != kerr.None {
		t.Fatalf("remove entry: %v", errc)
	}
	entries, _ = fs.ReadDir(fs.RootCluster())
	for _, e := range entries {
		if e.Name == "HELLO.TXT" {
			t.Fatal("expected HELLO.TXT removed from directory listing")
		}
	}
}
