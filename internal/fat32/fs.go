package fat32

import (
	"duckos/internal/blkcache"
	"duckos/internal/blockdev"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
)

// FS is a mounted FAT32 volume: the parsed boot sector, the FAT, and the
// lazily-loaded FSInfo, all sharing one block cache over the device.
type FS struct {
	Dev   blockdev.Device
	Cache *blkcache.Cache
	BPB   *BPB
	Fat   *FAT
	Info  *FSInfo
}

// Mount reads and validates the boot sector at block 0 and the FSInfo
// sector named by it (§6: boot sector at block 0, FSInfo at the block
// number given by the BPB), returning a ready-to-use FS.
func Mount(dev blockdev.Device, cacheCapacity int) (*FS, kerr.Code) {
	cache := blkcache.New(dev, cacheCapacity)

	boot, errc := cache.Get(0)
	if errc != kerr.None {
		return nil, errc
	}
	boot.Lock()
	bpb, errc := ParseBPB(boot.Data())
	boot.Unlock()
	cache.Put(boot)
	if errc != kerr.None {
		return nil, errc
	}

	info, errc := loadFSInfo(cache, uint64(bpb.FSInfoSector))
	if errc != kerr.None {
		return nil, errc
	}

	return &FS{
		Dev:   dev,
		Cache: cache,
		BPB:   bpb,
		Fat:   newFAT(cache, bpb),
		Info:  info,
	}, kerr.None
}

// RootCluster returns the root directory's starting cluster (§6: cluster
// number 2 for a conforming volume, but this reads the BPB's own record
// rather than hardcoding it).
func (fs *FS) RootCluster() uint32 { return fs.BPB.RootCluster }

// File owns a cluster chain and a size, implementing §4.11's FAT file
// I/O: modify_size grows/shrinks the chain, read/write iterate sectors
// within clusters doing read-modify-write at partial ends.
type File struct {
	fs       *FS
	clusters []uint32
	size     int64
}

// OpenFile wraps an existing cluster chain starting at firstCluster with
// the given size.
func OpenFile(fs *FS, firstCluster uint32, size int64) (*File, kerr.Code) {
	clusters, errc := fs.Fat.Walk(firstCluster)
	if errc != kerr.None {
		return nil, errc
	}
	return &File{fs: fs, clusters: clusters, size: size}, kerr.None
}

// FirstCluster returns the file's first cluster, for writing into its
// directory entry.
func (f *File) FirstCluster() uint32 {
	if len(f.clusters) == 0 {
		return 0
	}
	return f.clusters[0]
}

func (f *File) Size() int64 { return f.size }

func (f *File) clusterBytes() int64 {
	return int64(f.fs.BPB.SectorsPerCluster) * kconfig.SectorSize
}

// ModifySize grows the file by allocating and linking clusters, or
// shrinks it by freeing tail clusters, updating the cached chain (§4.11).
func (f *File) ModifySize(delta int64) kerr.Code {
	clusterBytes := f.clusterBytes()

	if delta < 0 {
		newSize := f.size + delta
		if newSize < 0 {
			return kerr.BadArgument
		}
		wantClusters := int((newSize + clusterBytes - 1) / clusterBytes)
		if newSize == 0 {
			wantClusters = 0
		}
		for len(f.clusters) > wantClusters {
			last := len(f.clusters) - 1
			end := f.clusters[last]
			var prev uint32
			if last > 0 {
				prev = f.clusters[last-1]
			}
			if errc := f.fs.Fat.FreeCluster(f.fs.Info, end, prev); errc != kerr.None {
				return errc
			}
			f.clusters = f.clusters[:last]
		}
		f.size = newSize
		return kerr.None
	}

	if delta > 0 {
		newSize := f.size + delta
		wantClusters := int((newSize + clusterBytes - 1) / clusterBytes)
		for len(f.clusters) < wantClusters {
			var prev uint32
			if len(f.clusters) > 0 {
				prev = f.clusters[len(f.clusters)-1]
			}
			next, errc := f.fs.Fat.AllocCluster(f.fs.Info, prev)
			if errc != kerr.None {
				return errc
			}
			f.clusters = append(f.clusters, next)
		}
		f.size = newSize
		return kerr.None
	}

	return kerr.None
}

// Read reads up to len(buf) bytes starting at offset, returning a short
// count at end-of-file per §8's boundary behavior.
func (f *File) Read(buf []byte, offset int64) (int, kerr.Code) {
	st := minI64(offset, f.size)
	ed := minI64(offset+int64(len(buf)), f.size)
	if ed <= st {
		return 0, kerr.None
	}
	return f.ioRange(buf, st, ed, false)
}

// Write writes buf at offset, growing the file first if the write extends
// past the current size, then performing read-modify-write on partial
// sectors at both ends and whole-sector writes in the middle (§4.11).
func (f *File) Write(buf []byte, offset int64) (int, kerr.Code) {
	end := offset + int64(len(buf))
	if end > f.size {
		if errc := f.ModifySize(end - f.size); errc != kerr.None {
			return 0, errc
		}
	}
	return f.ioRange(buf, offset, end, true)
}

func (f *File) ioRange(buf []byte, st, ed int64, write bool) (int, kerr.Code) {
	secPerClus := int64(f.fs.BPB.SectorsPerCluster)
	bufBase := st
	for off := st; off < ed; {
		clusIdx := off / (secPerClus * kconfig.SectorSize)
		if int(clusIdx) >= len(f.clusters) {
			break
		}
		clusterFirstSec := f.fs.BPB.ClusterToSector(f.clusters[clusIdx])
		withinClusterByte := off - clusIdx*secPerClus*kconfig.SectorSize
		secIdx := withinClusterByte / kconfig.SectorSize
		sec := clusterFirstSec + uint64(secIdx)
		secStart := (clusIdx*secPerClus + secIdx) * kconfig.SectorSize
		secEnd := secStart + kconfig.SectorSize

		curSt := maxI64(secStart, st)
		curEd := minI64(secEnd, ed)

		e, errc := f.fs.Cache.Get(sec)
		if errc != kerr.None {
			return int(off - bufBase), errc
		}
		e.Lock()
		if write {
			copy(e.Data()[curSt-secStart:curEd-secStart], buf[curSt-bufBase:curEd-bufBase])
			f.fs.Cache.MarkDirty(e)
		} else {
			copy(buf[curSt-bufBase:curEd-bufBase], e.Data()[curSt-secStart:curEd-secStart])
		}
		e.Unlock()
		f.fs.Cache.Put(e)

		off = curEd
	}
	return int(ed - bufBase), kerr.None
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
