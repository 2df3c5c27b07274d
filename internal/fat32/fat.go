package fat32

import (
	"encoding/binary"

	"duckos/internal/blkcache"
	"duckos/internal/kerr"
)

// FAT entry status values (§4.11). Only the low 28 bits of a FAT32 entry
// are meaningful; the top 4 bits are reserved and preserved across writes.
const (
	entryFree       uint32 = 0
	entryEOCLow     uint32 = 0x0FFF_FFF8
	entryEOCHigh    uint32 = 0x0FFF_FFFF
	entryMaxCluster uint32 = 0x0FFF_FFEF
	entryMask       uint32 = 0x0FFF_FFFF
)

// EntryStatus classifies one FAT entry's value.
type EntryStatus int

const (
	Free EntryStatus = iota
	Next
	EndOfChain
	Reserved
)

// FAT wraps the cluster-allocation table: a cache-backed array of 32-bit
// entries, one per cluster, addressed by cluster number.
type FAT struct {
	cache     *blkcache.Cache
	bpb       *BPB
	startSec  uint64
	bytesPerS uint64
}

func newFAT(cache *blkcache.Cache, bpb *BPB) *FAT {
	return &FAT{cache: cache, bpb: bpb, startSec: bpb.FATStartSector(), bytesPerS: uint64(bpb.BytesPerSector)}
}

// entryPos returns the sector and byte offset within it holding cluster's
// FAT entry.
func (f *FAT) entryPos(cluster uint32) (sector uint64, off int) {
	byteOff := uint64(cluster) * 4
	sector = f.startSec + byteOff/f.bytesPerS
	off = int(byteOff % f.bytesPerS)
	return
}

func statusOf(v uint32) (EntryStatus, uint32) {
	masked := v & entryMask
	switch {
	case masked == entryFree:
		return Free, 0
	case masked >= entryEOCLow:
		return EndOfChain, 0
	case masked >= 2 && masked <= entryMaxCluster:
		return Next, masked
	default:
		return Reserved, 0
	}
}

// read returns the raw entry value at cluster.
func (f *FAT) read(cluster uint32) (uint32, kerr.Code) {
	sec, off := f.entryPos(cluster)
	e, errc := f.cache.Get(sec)
	if errc != kerr.None {
		return 0, errc
	}
	defer f.cache.Put(e)
	e.Lock()
	v := binary.LittleEndian.Uint32(e.Data()[off : off+4])
	e.Unlock()
	return v, kerr.None
}

// write stores val at cluster's entry and marks the owning cache entry
// dirty.
func (f *FAT) write(cluster uint32, val uint32) kerr.Code {
	sec, off := f.entryPos(cluster)
	e, errc := f.cache.Get(sec)
	if errc != kerr.None {
		return errc
	}
	defer f.cache.Put(e)
	e.Lock()
	old := binary.LittleEndian.Uint32(e.Data()[off : off+4])
	binary.LittleEndian.PutUint32(e.Data()[off:off+4], (old&^entryMask)|(val&entryMask))
	e.Unlock()
	f.cache.MarkDirty(e)
	return kerr.None
}

// AllocCluster obtains a free cluster from the FSInfo hint, links prev to
// it (if prev is nonzero), and writes EndOfChain at the new cluster.
func (f *FAT) AllocCluster(info *FSInfo, prev uint32) (uint32, kerr.Code) {
	next := info.takeFreeHint()
	if prev != 0 {
		status, _ := statusOf(mustRead(f, prev))
		if status != EndOfChain {
			kerr.Fatal("fat32/fat.go", 0, "alloc_cluster: prev is not end-of-chain")
		}
		if errc := f.write(prev, next); errc != kerr.None {
			return 0, errc
		}
	}
	if errc := f.write(next, entryEOCHigh); errc != kerr.None {
		return 0, errc
	}
	return next, kerr.None
}

func mustRead(f *FAT, cluster uint32) uint32 {
	v, errc := f.read(cluster)
	if errc != kerr.None {
		return entryEOCHigh
	}
	return v
}

// FreeCluster frees cluster id, writing EndOfChain at prev (if nonzero) so
// the chain above it terminates there.
func (f *FAT) FreeCluster(info *FSInfo, id, prev uint32) kerr.Code {
	if prev != 0 {
		if errc := f.write(prev, entryEOCHigh); errc != kerr.None {
			return errc
		}
	}
	info.releaseCluster()
	return f.write(id, entryFree)
}

// Walk follows the cluster chain from start, returning the full sequence.
// Bounded by clusterCount+1 steps per §8's termination invariant; a chain
// that does not terminate in that bound is treated as corrupt.
func (f *FAT) Walk(start uint32) ([]uint32, kerr.Code) {
	clusters := []uint32{start}
	cur := start
	limit := int(f.bpb.ClusterCount()) + 1
	for i := 0; i < limit; i++ {
		v, errc := f.read(cur)
		if errc != kerr.None {
			return nil, errc
		}
		status, next := statusOf(v)
		if status == EndOfChain {
			return clusters, kerr.None
		}
		if status != Next {
			return nil, kerr.BadFS
		}
		clusters = append(clusters, next)
		cur = next
	}
	kerr.Fatal("fat32/fat.go", 0, "cluster chain did not terminate within cluster_count+1 steps")
	return nil, kerr.None
}
