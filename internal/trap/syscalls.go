package trap

import (
	"duckos/internal/kerr"
	"duckos/internal/proc"

	"golang.org/x/sys/unix"
)

// Standard riscv64 Linux syscall numbers (§6: "extension points exist for
// dup/dup3/chdir/getcwd/fstat/uname"). Using the real ABI numbers, rather
// than inventing a private table, is what lets a conforming user binary
// built against the normal riscv64 syscall convention run unmodified.
const (
	SysGetcwd uint64 = 17
	SysDup    uint64 = 23
	SysDup3   uint64 = 24
	SysChdir  uint64 = 49
	SysWrite  uint64 = 64
	SysFstat  uint64 = 80
	SysUname  uint64 = 160
)

// FDWriter is the minimal surface SysWrite needs from a task's open-file
// table: write len bytes starting at buf (a user virtual address) to fd.
// Defined here (not imported from vfs) to keep trap decoupled from the
// concrete file-descriptor table implementation; boot glue supplies the
// real one when registering handlers.
type FDWriter interface {
	WriteFD(t *proc.Task, fd int, uva uint64, n int) (int, kerr.Code)
}

// RegisterWrite installs the write(2) handler against w.
func RegisterWrite(d *Dispatcher, w FDWriter) {
	d.Register(SysWrite, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		fd := int(int64(args[0]))
		uva, n := args[1], int(args[2])
		wrote, errc := w.WriteFD(t, fd, uva, n)
		if errc != kerr.None {
			return 0, errc
		}
		return uint64(wrote), kerr.None
	})
}

// FDDuper is the minimal surface dup/dup3 need.
type FDDuper interface {
	Dup(t *proc.Task, oldfd int) (int, kerr.Code)
	Dup3(t *proc.Task, oldfd, newfd int, flags int) (int, kerr.Code)
}

// RegisterDup installs dup(2)/dup3(2).
func RegisterDup(d *Dispatcher, fds FDDuper) {
	d.Register(SysDup, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		newfd, errc := fds.Dup(t, int(int64(args[0])))
		if errc != kerr.None {
			return 0, errc
		}
		return uint64(newfd), kerr.None
	})
	d.Register(SysDup3, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		newfd, errc := fds.Dup3(t, int(int64(args[0])), int(int64(args[1])), int(args[2]))
		if errc != kerr.None {
			return 0, errc
		}
		return uint64(newfd), kerr.None
	})
}

// CwdChanger is the minimal surface chdir/getcwd need.
type CwdChanger interface {
	Chdir(t *proc.Task, path string) kerr.Code
	Getcwd(t *proc.Task) string
	CopyOut(t *proc.Task, uva uint64, data []byte) kerr.Code
	CopyInPath(t *proc.Task, uva uint64) (string, kerr.Code)
}

// RegisterCwd installs chdir(2)/getcwd(2).
func RegisterCwd(d *Dispatcher, c CwdChanger) {
	d.Register(SysChdir, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		path, errc := c.CopyInPath(t, args[0])
		if errc != kerr.None {
			return 0, errc
		}
		if errc := c.Chdir(t, path); errc != kerr.None {
			return 0, errc
		}
		return 0, kerr.None
	})
	d.Register(SysGetcwd, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		cwd := c.Getcwd(t)
		buf := append([]byte(cwd), 0)
		if len(buf) > int(args[1]) {
			return 0, kerr.NameTooLong
		}
		if errc := c.CopyOut(t, args[0], buf); errc != kerr.None {
			return 0, errc
		}
		return args[0], kerr.None
	})
}

// FDStater is the minimal surface fstat(2) needs.
type FDStater interface {
	Fstat(t *proc.Task, fd int, uva uint64) kerr.Code
}

// RegisterFstat installs fstat(2).
func RegisterFstat(d *Dispatcher, s FDStater) {
	d.Register(SysFstat, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		if errc := s.Fstat(t, int(int64(args[0])), args[1]); errc != kerr.None {
			return 0, errc
		}
		return 0, kerr.None
	})
}

// uts mirrors the Linux struct utsname layout (six 65-byte NUL-padded
// fields) that uname(2) copies out.
type uts struct {
	Sysname, Nodename, Release, Version, Machine, Domainname [65]byte
}

func setField(f *[65]byte, s string) {
	n := copy(f[:], s)
	for i := n; i < len(f); i++ {
		f[i] = 0
	}
}

// RegisterUname installs uname(2). The node name is taken from the host
// via golang.org/x/sys/unix.Uname — since this kernel is hosted inside a
// Go process rather than booting on bare metal, there is no other source
// of truth for "what machine is this running on" to report back to user
// space; every other field is a fixed constant describing this kernel.
func RegisterUname(d *Dispatcher, c CwdChanger) {
	d.Register(SysUname, func(t *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		var u uts
		setField(&u.Sysname, "duckos")
		setField(&u.Release, "0.1.0")
		setField(&u.Version, "#1 SV39")
		setField(&u.Machine, "riscv64")

		var host unix.Utsname
		nodename := "duckos"
		if err := unix.Uname(&host); err == nil {
			nodename = cstr(host.Nodename[:])
		}
		setField(&u.Nodename, nodename)
		setField(&u.Domainname, "(none)")

		out := make([]byte, 0, 6*65)
		out = append(out, u.Sysname[:]...)
		out = append(out, u.Nodename[:]...)
		out = append(out, u.Release[:]...)
		out = append(out, u.Version[:]...)
		out = append(out, u.Machine[:]...)
		out = append(out, u.Domainname[:]...)

		if errc := c.CopyOut(t, args[0], out); errc != kerr.None {
			return 0, errc
		}
		return 0, kerr.None
	})
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
