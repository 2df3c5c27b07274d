package vfs

import (
	"strings"
	"sync"

	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/proc"
)

// FDTable is a task's file-descriptor table plus its current working
// directory, reference-counted across fork (§4.12). Implements
// proc.FDTable (Retain/Release), and trap.FDWriter/FDDuper/CwdChanger/
// FDStater so boot glue can register the syscalls against it directly.
type FDTable struct {
	mu      sync.Mutex
	vfs     *VFS
	fds     []*OpenFile // index is the fd number; nil entries are closed slots
	cwd     *Dentry
	cwdPath string
	refs    int32
}

const maxPathLen = 4096

// NewFDTable creates a file-descriptor table rooted at v's root directory,
// pre-populated with stdin/stdout/stderr sentinel files per §4.12.
func NewFDTable(v *VFS, stdout, stderr func([]byte) (int, kerr.Code), stdin func([]byte) (int, kerr.Code)) *FDTable {
	t := &FDTable{vfs: v, cwd: v.Root(), cwdPath: "/", refs: 1}
	t.fds = []*OpenFile{
		{source: stdin},
		{sink: stdout},
		{sink: stderr},
	}
	return t
}

// Retain implements proc.FDTable: fork bumps the shared table's refcount
// and hands the child the same *FDTable (this kernel does not implement
// unshare/CLONE_FILES, so every fork shares the parent's fd table,
// matching §4.12's Non-goals).
func (t *FDTable) Retain() proc.FDTable {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
	return t
}

// Release implements proc.FDTable, releasing every open inode once the
// last task sharing this table exits.
func (t *FDTable) Release() {
	t.mu.Lock()
	t.refs--
	last := t.refs == 0
	fds := t.fds
	t.mu.Unlock()
	if !last {
		return
	}
	for _, f := range fds {
		if f != nil && f.Inode != nil {
			f.Inode.Release()
		}
	}
}

func (t *FDTable) allocFd(f *OpenFile) int {
	for i, e := range t.fds {
		if e == nil {
			t.fds[i] = f
			return i
		}
	}
	t.fds = append(t.fds, f)
	return len(t.fds) - 1
}

func (t *FDTable) get(fd int) (*OpenFile, kerr.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return nil, kerr.NotFound
	}
	return t.fds[fd], kerr.None
}

// Open resolves path relative to t's cwd and installs an open file for it
// at the lowest free fd, creating the file first if it does not exist and
// create is true.
func (t *FDTable) Open(path string, create bool) (int, kerr.Code) {
	t.mu.Lock()
	cwd := t.cwd
	t.mu.Unlock()

	d, errc := t.vfs.Lookup(cwd, path)
	if errc == kerr.NotFound && create {
		dir, name := splitPath(path)
		parent := cwd
		switch {
		case dir != "":
			parent, errc = t.vfs.Lookup(cwd, dir)
			if errc != kerr.None {
				return 0, errc
			}
		case strings.HasPrefix(path, "/"):
			parent = t.vfs.Root()
		}
		d, errc = t.vfs.Create(parent, name)
	}
	if errc != kerr.None {
		return 0, errc
	}
	d.Inode.Retain()

	t.mu.Lock()
	fd := t.allocFd(&OpenFile{Dentry: d, Inode: d.Inode})
	t.mu.Unlock()
	return fd, kerr.None
}

// Close releases fd, dropping the underlying inode's reference.
func (t *FDTable) Close(fd int) kerr.Code {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return kerr.NotFound
	}
	f := t.fds[fd]
	t.fds[fd] = nil
	if f.Inode != nil {
		f.Inode.Release()
	}
	return kerr.None
}

// CloseOnExec drops every fd not meant to survive execve (§4.12): this
// kernel does not yet track an individual close-on-exec bit per fd, so it
// closes everything above the stdio sentinels, matching the common default
// for a freshly exec'd process's "inherited" fd set.
func (t *FDTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 3; i < len(t.fds); i++ {
		if f := t.fds[i]; f != nil && f.Inode != nil {
			f.Inode.Release()
		}
		t.fds[i] = nil
	}
}

// WriteFD implements trap.FDWriter: write(2).
func (t *FDTable) WriteFD(task *proc.Task, fd int, uva uint64, n int) (int, kerr.Code) {
	f, errc := t.get(fd)
	if errc != kerr.None {
		return 0, errc
	}
	buf := make([]byte, n)
	if !task.AS.CopyIn(mem.Va(uva), buf) {
		return 0, kerr.SegV
	}
	return f.Write(buf)
}

// Dup implements trap.FDDuper: dup(2).
func (t *FDTable) Dup(task *proc.Task, oldfd int) (int, kerr.Code) {
	f, errc := t.get(oldfd)
	if errc != kerr.None {
		return 0, errc
	}
	if f.Inode != nil {
		f.Inode.Retain()
	}
	t.mu.Lock()
	fd := t.allocFd(f.shared())
	t.mu.Unlock()
	return fd, kerr.None
}

// Dup3 implements trap.FDDuper: dup3(2), installing oldfd's file at
// exactly newfd, closing whatever was there first.
func (t *FDTable) Dup3(task *proc.Task, oldfd, newfd int, flags int) (int, kerr.Code) {
	f, errc := t.get(oldfd)
	if errc != kerr.None {
		return 0, errc
	}
	if oldfd == newfd {
		return 0, kerr.BadArgument
	}
	if f.Inode != nil {
		f.Inode.Retain()
	}
	t.mu.Lock()
	for len(t.fds) <= newfd {
		t.fds = append(t.fds, nil)
	}
	if old := t.fds[newfd]; old != nil && old.Inode != nil {
		old.Inode.Release()
	}
	t.fds[newfd] = f.shared()
	t.mu.Unlock()
	return newfd, kerr.None
}

// Chdir implements trap.CwdChanger: chdir(2).
func (t *FDTable) Chdir(task *proc.Task, path string) kerr.Code {
	t.mu.Lock()
	cwd := t.cwd
	t.mu.Unlock()
	d, errc := t.vfs.Lookup(cwd, path)
	if errc != kerr.None {
		return errc
	}
	if !d.Inode.IsDir() {
		return kerr.BadArgument
	}
	t.mu.Lock()
	t.cwd = d
	t.cwdPath = joinPath(t.cwdPath, path)
	t.mu.Unlock()
	return kerr.None
}

// Getcwd implements trap.CwdChanger: getcwd(2).
func (t *FDTable) Getcwd(task *proc.Task) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwdPath
}

// CopyOut implements trap.CwdChanger, delegating to the task's address
// space.
func (t *FDTable) CopyOut(task *proc.Task, uva uint64, data []byte) kerr.Code {
	if !task.AS.CopyOut(mem.Va(uva), data) {
		return kerr.SegV
	}
	return kerr.None
}

// CopyInPath implements trap.CwdChanger, reading a NUL-terminated path
// string out of user space.
func (t *FDTable) CopyInPath(task *proc.Task, uva uint64) (string, kerr.Code) {
	s, ok := task.AS.CopyInString(mem.Va(uva), maxPathLen)
	if !ok {
		return "", kerr.NameTooLong
	}
	return s, kerr.None
}

// Fstat implements trap.FDStater: fstat(2), writing a minimal stat buffer
// (size and a directory bit) back to user space.
func (t *FDTable) Fstat(task *proc.Task, fd int, uva uint64) kerr.Code {
	f, errc := t.get(fd)
	if errc != kerr.None {
		return errc
	}
	var size int64
	var isDir uint32
	if f.Inode != nil {
		size = f.Inode.Size()
		if f.Inode.IsDir() {
			isDir = 1
		}
	}
	buf := make([]byte, 16)
	putU64(buf[0:8], uint64(size))
	putU64(buf[8:16], uint64(isDir))
	return t.CopyOut(task, uva, buf)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func splitPath(path string) (dir, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func joinPath(cwd, rel string) string {
	if strings.HasPrefix(rel, "/") {
		return cleanPath(rel)
	}
	if cwd == "/" {
		return cleanPath("/" + rel)
	}
	return cleanPath(cwd + "/" + rel)
}

func cleanPath(p string) string {
	var out []string
	for _, c := range strings.Split(p, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	return "/" + strings.Join(out, "/")
}
