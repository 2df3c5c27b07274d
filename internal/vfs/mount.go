package vfs

import (
	"strings"
	"sync"

	"duckos/internal/fat32"
	"duckos/internal/kerr"
	"duckos/internal/mem"
)

// Dentry is one path-cache node: a name, its absolute path, its parent,
// and the inode it names. The invariant path == parent.Path + "/" + name
// (root's path is "/") holds for every dentry reachable from the root, so
// a dentry's path can always be recomputed from its parent chain and
// always matches the key it's filed under in the VFS's path cache.
// Directory dentries lazily discover their children by reading the
// underlying FAT32 directory on first lookup and caching the result, so
// repeated lookups of the same path don't re-walk the disk.
type Dentry struct {
	mu sync.Mutex

	Name   string
	Path   string
	Parent *Dentry
	Inode  *Inode

	children map[string]*Dentry
	loaded   bool
}

// VFS is the top-level virtual file system: one root mount plus any
// additional file systems mounted at a subdirectory path (§4.12's "more
// than one mounted file system"), the frame allocator every inode's page
// cache draws from, and a flat path→dentry cache every discovered or
// created node is filed into so a repeated absolute lookup doesn't have
// to re-walk the dentry tree component by component.
type VFS struct {
	mu    sync.Mutex
	alloc *mem.FrameAllocator

	rootFS *fat32.FS
	root   *Dentry

	// mounts maps a mount-point path (as resolved through the root tree,
	// e.g. "/mnt") to the Dentry of the mounted file system's own root,
	// substituted in place of the mount-point's original children.
	mounts  map[string]*Dentry
	nextIno uint64

	// cache is the global path→dentry hash cache: every dentry this VFS
	// has ever discovered or created is filed here under its absolute
	// path, so Lookup can short-circuit the per-component tree walk.
	cache map[string]*Dentry
}

// New creates a VFS rooted at rootFS.
func New(alloc *mem.FrameAllocator, rootFS *fat32.FS) (*VFS, kerr.Code) {
	v := &VFS{alloc: alloc, rootFS: rootFS, mounts: make(map[string]*Dentry), nextIno: 1, cache: make(map[string]*Dentry)}
	rootInode, errc := v.openDirInode(rootFS, rootFS.RootCluster())
	if errc != kerr.None {
		return nil, errc
	}
	v.root = &Dentry{Name: "/", Path: "/", Inode: rootInode, children: make(map[string]*Dentry), loaded: false}
	v.cache["/"] = v.root
	return v, kerr.None
}

// childPath joins a parent dentry's absolute path with a child's name,
// avoiding a doubled slash when the parent is the root.
func childPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// cacheInsert files d into the path→dentry cache under its own Path.
func (v *VFS) cacheInsert(d *Dentry) {
	v.mu.Lock()
	v.cache[d.Path] = d
	v.mu.Unlock()
}

// cacheRemove drops every cache entry nested under path, and path itself
// if includeSelf — used when a dentry is unlinked or a
// mount point's old subtree is discarded.
func (v *VFS) cacheRemove(path string, includeSelf bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if includeSelf {
		delete(v.cache, path)
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for p := range v.cache {
		if p == path {
			continue
		}
		if strings.HasPrefix(p, prefix) {
			delete(v.cache, p)
		}
	}
}

// cached returns the dentry filed under path, if any.
func (v *VFS) cached(path string) (*Dentry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.cache[path]
	return d, ok
}

func (v *VFS) allocIno() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextIno
	v.nextIno++
	return id
}

func (v *VFS) openDirInode(fs *fat32.FS, cluster uint32) (*Inode, kerr.Code) {
	f, errc := fat32.OpenFile(fs, cluster, 0)
	if errc != kerr.None {
		return nil, errc
	}
	return newInode(v.allocIno(), fs, f, true, v.alloc), kerr.None
}

func (v *VFS) openFileInode(fs *fat32.FS, cluster uint32, size int64) (*Inode, kerr.Code) {
	f, errc := fat32.OpenFile(fs, cluster, size)
	if errc != kerr.None {
		return nil, errc
	}
	return newInode(v.allocIno(), fs, f, false, v.alloc), kerr.None
}

// Mount grafts fs's root directory into the tree at an existing directory
// dentry mountPoint, per §4.12. Lookups that descend into mountPoint see
// the mounted file system's own root instead of whatever FAT32 directory
// used to live there.
func (v *VFS) Mount(mountPoint *Dentry, fs *fat32.FS) kerr.Code {
	if !mountPoint.Inode.IsDir() {
		return kerr.BadArgument
	}
	rootInode, errc := v.openDirInode(fs, fs.RootCluster())
	if errc != kerr.None {
		return errc
	}
	mountPoint.mu.Lock()
	mountPoint.Inode = rootInode
	mountPoint.children = make(map[string]*Dentry)
	mountPoint.loaded = false
	mountPoint.mu.Unlock()
	v.cacheRemove(mountPoint.Path, false)
	return kerr.None
}

// Root returns the VFS's root dentry.
func (v *VFS) Root() *Dentry { return v.root }

// loadChildren populates d's child dentries from the underlying FAT32
// directory, once, caching the result for subsequent lookups.
func (d *Dentry) loadChildren(v *VFS) kerr.Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return kerr.None
	}
	recs, errc := d.Inode.fs.ReadDir(d.Inode.file.FirstCluster())
	if errc != kerr.None {
		return errc
	}
	for _, rec := range recs {
		if rec.Name == "." || rec.Name == ".." {
			continue
		}
		var inode *Inode
		var ierr kerr.Code
		if rec.IsDir() {
			inode, ierr = v.openDirInode(d.Inode.fs, rec.FirstCluster)
		} else {
			inode, ierr = v.openFileInode(d.Inode.fs, rec.FirstCluster, int64(rec.FileSize))
		}
		if ierr != kerr.None {
			return ierr
		}
		child := &Dentry{
			Name:     rec.Name,
			Path:     childPath(d.Path, rec.Name),
			Parent:   d,
			Inode:    inode,
			children: make(map[string]*Dentry),
		}
		d.children[rec.Name] = child
		v.cacheInsert(child)
	}
	d.loaded = true
	return kerr.None
}

// Lookup resolves an absolute or cwd-relative slash-separated path
// starting from start, per §4.12's dentry-cache path resolution: the
// path→dentry hash cache is consulted first, and only on a miss does the
// walk fall back to the per-component children map, reading a
// directory's entries the first time they're needed and inserting every
// discovered node into the cache as it goes.
func (v *VFS) Lookup(start *Dentry, path string) (*Dentry, kerr.Code) {
	target := path
	if !strings.HasPrefix(path, "/") {
		target = start.Path + "/" + path
	}
	target = cleanPath(target)
	if cached, ok := v.cached(target); ok {
		return cached, kerr.None
	}

	cur := start
	if strings.HasPrefix(path, "/") {
		cur = v.root
	}
	for _, comp := range strings.Split(path, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			if cur.Parent != nil {
				cur = cur.Parent
			}
			continue
		}
		if !cur.Inode.IsDir() {
			return nil, kerr.NotFound
		}
		if errc := cur.loadChildren(v); errc != kerr.None {
			return nil, errc
		}
		cur.mu.Lock()
		next, ok := cur.children[comp]
		cur.mu.Unlock()
		if !ok {
			return nil, kerr.NotFound
		}
		cur = next
	}
	v.cacheInsert(cur)
	return cur, kerr.None
}

// Create makes a new regular file named name inside the directory dentry
// parent, registers it in the FAT32 directory and in the dentry cache, and
// returns its dentry.
func (v *VFS) Create(parent *Dentry, name string) (*Dentry, kerr.Code) {
	if !parent.Inode.IsDir() {
		return nil, kerr.BadArgument
	}
	if errc := parent.loadChildren(v); errc != kerr.None {
		return nil, errc
	}
	parent.mu.Lock()
	if _, exists := parent.children[name]; exists {
		parent.mu.Unlock()
		return nil, kerr.AlreadyExists
	}
	parent.mu.Unlock()

	fs := parent.Inode.fs
	clus, errc := fs.Fat.AllocCluster(fs.Info, 0)
	if errc != kerr.None {
		return nil, errc
	}
	rec, errc := fs.AddEntry(parent.Inode.file.FirstCluster(), name, 0, clus, 0)
	if errc != kerr.None {
		return nil, errc
	}
	inode, errc := v.openFileInode(fs, rec.FirstCluster, int64(rec.FileSize))
	if errc != kerr.None {
		return nil, errc
	}
	d := &Dentry{Name: name, Path: childPath(parent.Path, name), Parent: parent, Inode: inode, children: make(map[string]*Dentry)}
	parent.mu.Lock()
	parent.children[name] = d
	parent.mu.Unlock()
	v.cacheInsert(d)
	return d, kerr.None
}

// Unlink removes name from directory dentry parent: the FAT32 entry is
// marked free and, once the inode's last open reference drops, its
// cluster chain is reclaimed (§4.12/§5's deferred-removal behavior for a
// file with open file descriptors — removing the dentry does not
// invalidate fds already holding the inode).
func (v *VFS) Unlink(parent *Dentry, name string) kerr.Code {
	if errc := parent.loadChildren(v); errc != kerr.None {
		return errc
	}
	parent.mu.Lock()
	d, ok := parent.children[name]
	if ok {
		delete(parent.children, name)
	}
	parent.mu.Unlock()
	if !ok {
		return kerr.NotFound
	}

	fs := parent.Inode.fs
	var sector uint64
	var offset int
	recs, errc := fs.ReadDir(parent.Inode.file.FirstCluster())
	if errc != kerr.None {
		return errc
	}
	for _, rec := range recs {
		if rec.Name == name {
			sector, offset = rec.Sector, rec.Offset
			break
		}
	}
	if errc := fs.RemoveEntry(sector, offset); errc != kerr.None {
		return errc
	}
	v.cacheRemove(d.Path, true)
	d.Inode.Release()
	return kerr.None
}
