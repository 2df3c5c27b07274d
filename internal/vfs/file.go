package vfs

import "duckos/internal/kerr"

// OpenFile is one entry in a task's file-descriptor table: an inode plus a
// private read/write cursor, per §4.12 (the "seekable file handle" model
// shared by regular files and the stdio sentinels).
type OpenFile struct {
	Dentry *Dentry // nil for a sentinel stdio file
	Inode  *Inode  // nil for a sentinel stdio file
	offset int64
	closed bool

	// sink, when non-nil, is where Write's bytes go instead of the inode
	// (stdout/stderr); source, when non-nil, is where Read's bytes come
	// from (stdin). Exactly one of {Inode, sink/source} is set.
	sink   func([]byte) (int, kerr.Code)
	source func([]byte) (int, kerr.Code)
}

// SeekWhence mirrors lseek(2)'s whence values.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// Read reads up to len(buf) bytes at the file's current offset, advancing
// it by the amount actually read.
func (f *OpenFile) Read(buf []byte) (int, kerr.Code) {
	if f.source != nil {
		return f.source(buf)
	}
	n, errc := f.Inode.ReadAt(buf, f.offset)
	if errc != kerr.None {
		return 0, errc
	}
	f.offset += int64(n)
	return n, kerr.None
}

// Write writes buf at the file's current offset, advancing it by the
// amount written.
func (f *OpenFile) Write(buf []byte) (int, kerr.Code) {
	if f.sink != nil {
		return f.sink(buf)
	}
	n, errc := f.Inode.WriteAt(buf, f.offset)
	if errc != kerr.None {
		return 0, errc
	}
	f.offset += int64(n)
	return n, kerr.None
}

// Seek repositions the file's cursor per whence, rejecting a resulting
// negative offset.
func (f *OpenFile) Seek(off int64, whence SeekWhence) (int64, kerr.Code) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		if f.Inode == nil {
			return 0, kerr.BadArgument
		}
		base = f.Inode.Size()
	default:
		return 0, kerr.BadArgument
	}
	newOff := base + off
	if newOff < 0 {
		return 0, kerr.BadArgument
	}
	f.offset = newOff
	return newOff, kerr.None
}

// shared returns f itself: dup/dup3 and fork's fd-table copy both point a
// new fd slot at the same *OpenFile, so the duplicate shares its cursor
// with the original, matching POSIX dup(2) semantics.
func (f *OpenFile) shared() *OpenFile {
	return f
}
