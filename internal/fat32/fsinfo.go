package fat32

import (
	"encoding/binary"
	"sync"

	"duckos/internal/blkcache"
	"duckos/internal/kerr"
)

// FSInfo is the lazily-loaded free-cluster count and next-free-cluster
// hint (§4.11). alloc_cluster/free_cluster mutate the in-memory record;
// the final state is written back through the block cache on Close,
// replacing duck_os's Drop impl (fsinfo.rs) since Go has no destructors —
// this is the "supplemented feature" SPEC_FULL.md calls out.
type FSInfo struct {
	mu sync.Mutex

	cache  *blkcache.Cache
	sector uint64

	leadSig   uint32
	strucSig  uint32
	freeCount uint32
	nextFree  uint32
	trailSig  uint32
}

func loadFSInfo(cache *blkcache.Cache, sector uint64) (*FSInfo, kerr.Code) {
	e, errc := cache.Get(sector)
	if errc != kerr.None {
		return nil, errc
	}
	defer cache.Put(e)
	e.Lock()
	d := e.Data()
	info := &FSInfo{
		cache:     cache,
		sector:    sector,
		leadSig:   binary.LittleEndian.Uint32(d[0:4]),
		strucSig:  binary.LittleEndian.Uint32(d[484:488]),
		freeCount: binary.LittleEndian.Uint32(d[488:492]),
		nextFree:  binary.LittleEndian.Uint32(d[492:496]),
		trailSig:  binary.LittleEndian.Uint32(d[508:512]),
	}
	e.Unlock()
	return info, kerr.None
}

// FreeCount returns the cached free-cluster count.
func (f *FSInfo) FreeCount() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeCount
}

// NextFree returns the cached next-free-cluster hint.
func (f *FSInfo) NextFree() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextFree
}

// takeFreeHint returns the current hint and advances it, decrementing the
// free count; called by FAT.AllocCluster.
func (f *FSInfo) takeFreeHint() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	hint := f.nextFree
	f.nextFree++
	f.freeCount--
	return hint
}

// releaseCluster increments the free count; called by FAT.FreeCluster.
func (f *FSInfo) releaseCluster() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeCount++
}

// Close writes the final FSInfo state back through the block cache. Must
// be called exactly once, when the mounted file system is torn down.
func (f *FSInfo) Close() kerr.Code {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errc := f.cache.Get(f.sector)
	if errc != kerr.None {
		return errc
	}
	defer f.cache.Put(e)

	e.Lock()
	d := e.Data()
	binary.LittleEndian.PutUint32(d[0:4], f.leadSig)
	binary.LittleEndian.PutUint32(d[484:488], f.strucSig)
	binary.LittleEndian.PutUint32(d[488:492], f.freeCount)
	binary.LittleEndian.PutUint32(d[492:496], f.nextFree)
	binary.LittleEndian.PutUint32(d[508:512], f.trailSig)
	e.Unlock()

	f.cache.MarkDirty(e)
	f.cache.SyncAll()
	return kerr.None
}
