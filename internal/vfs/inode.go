// Package vfs implements §4.12's virtual file system: a dentry cache over
// one or more mounted file systems, a per-task open-file table, and the
// page-cache-backed Inode that both regular read/write and mmap share.
//
// Grounded on biscuit/src/fs (fs.Inode_t's path-cache + backing-device
// split) for the dentry/inode separation, generalized from biscuit's
// single-filesystem assumption to a small mount table (§4.12's "more than
// one mounted file system") and wired to this repo's own fat32 driver
// instead of biscuit's ext2-like on-disk format.
package vfs

import (
	"sync"
	"sync/atomic"

	"duckos/internal/fat32"
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
	"duckos/internal/page"
	"duckos/internal/pagecache"
)

// Inode is one open file's identity: the FAT32 cluster chain backing it,
// a page cache shared by every dentry/open-file pointing at it, and a
// reference count. Implements page.InodeBackend so pagecache.Cache (and,
// through it, a mmap'd VMA) can read and write it sector-by-sector, and
// vma.PageProvider via FindPage so it can back a Mmap VMA directly.
type Inode struct {
	mu sync.Mutex

	ino  uint64
	fs   *fat32.FS
	file *fat32.File
	dir  bool

	cache *pagecache.Cache
	refs  int32
}

func newInode(ino uint64, fs *fat32.FS, file *fat32.File, dir bool, alloc *mem.FrameAllocator) *Inode {
	n := &Inode{ino: ino, fs: fs, file: file, dir: dir, refs: 1}
	n.cache = pagecache.New(alloc, n)
	return n
}

// Ino returns the inode number, taken from the VFS's monotonic counter
// when the inode was opened.
func (n *Inode) Ino() uint64 { return n.ino }

// IsDir reports whether this inode is a directory.
func (n *Inode) IsDir() bool { return n.dir }

// Size returns the file's current byte size.
func (n *Inode) Size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.file.Size()
}

// Retain increments the inode's reference count.
func (n *Inode) Retain() { atomic.AddInt32(&n.refs, 1) }

// Release decrements the inode's reference count. Once the last reference
// drops it flushes the page cache and frees the file's cluster chain (§5's
// "resources freed when the final owning reference drops"); the dentry
// holds one reference for as long as the name exists, so this happens only
// after Unlink.
func (n *Inode) Release() {
	if atomic.AddInt32(&n.refs, -1) == 0 {
		if errc := n.cache.Flush(); errc != kerr.None {
			klog.Warnf(klog.Fields{"ino": n.ino}, "inode release: flush failed: %v", errc)
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		clusters, errc := n.fs.Fat.Walk(n.file.FirstCluster())
		if errc != kerr.None || n.file.FirstCluster() < 2 {
			return
		}
		for i := len(clusters) - 1; i >= 0; i-- {
			var prev uint32
			if i > 0 {
				prev = clusters[i-1]
			}
			n.fs.Fat.FreeCluster(n.fs.Info, clusters[i], prev)
		}
	}
}

// ReadSector implements page.InodeBackend, reading exactly len(buf) bytes
// (one sector) at byte offset off directly through the FAT32 file,
// bypassing this inode's own page cache (the page cache calls this to
// populate itself, not the other way around).
func (n *Inode) ReadSector(off int64, buf []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, errc := n.file.Read(buf, off)
	if errc != kerr.None {
		return errc
	}
	return nil
}

// WriteSector implements page.InodeBackend.
func (n *Inode) WriteSector(off int64, buf []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, errc := n.file.Write(buf, off)
	if errc != kerr.None {
		return errc
	}
	return nil
}

// FindPage implements vma.PageProvider, delegating to the inode's page
// cache so a file mapped via mmap and a file read via read(2) see the
// same resident pages.
func (n *Inode) FindPage(offset int64) (*page.Page, kerr.Code) {
	return n.cache.FindPage(offset)
}

// ReadAt reads up to len(buf) bytes at offset directly from the backing
// file (read(2)'s path does not need page-cache sharing the way mmap
// does, since there is nothing else to keep coherent with).
func (n *Inode) ReadAt(buf []byte, offset int64) (int, kerr.Code) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.file.Read(buf, offset)
}

// WriteAt writes buf at offset directly to the backing file.
func (n *Inode) WriteAt(buf []byte, offset int64) (int, kerr.Code) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.file.Write(buf, offset)
}
