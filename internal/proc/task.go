// Package proc implements §4.7's task (PCB) and scheduler: a single global
// FIFO ready queue, per-hart current-task/idle-context/SUM-counter state,
// and the run/suspend/exit context-switch operations.
//
// Grounded on biscuit/src/tinfo/tinfo.go's Tnote_t (per-execution-context
// state: Alive/Killed/doomed status bits protected by a leaf lock) and
// biscuit/src/accnt/accnt.go's Accnt_t, generalized from biscuit's
// goroutine-as-kernel-thread model (Tnote_t installed via runtime.Gptr) to
// an explicit Task/HartLocal pair: this module cannot patch the Go runtime
// to stash a pointer per-goroutine the way biscuit's forked runtime does,
// so the hart identity a trap handler needs is threaded explicitly instead
// of recovered from scheduler-local storage (documented as a stdlib-only
// deviation in DESIGN.md).
package proc

import (
	"sync"

	"duckos/internal/aspace"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/mem"
)

// Status is a task's scheduling state, per §3's Task (PCB) data model.
type Status int

const (
	Ready Status = iota
	Running
	Interruptible
	Dead
	Exit
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Interruptible:
		return "interruptible"
	case Dead:
		return "dead"
	case Exit:
		return "exit"
	default:
		return "status(?)"
	}
}

// Context holds the callee-saved register set plus ra and sp (§4.7): the
// minimum a context switch must preserve across a function-call boundary
// on RISC-V's calling convention. s0..s11 are the callee-saved integer
// registers.
type Context struct {
	Ra, Sp uint64
	S      [12]uint64
}

// FDTable is the minimal surface proc needs from a task's file-descriptor
// table: Retain to share it with a forked child, and Release when a task
// holding it goes away. Defined here rather than importing
// vfs to avoid a proc<->vfs import cycle (vfs.FDTable implements it).
type FDTable interface {
	Retain() FDTable
	Release()
}

// Task is a process control block (§3's Task (PCB)): a unique id, group
// id, an owned kernel stack, a reference to an address space and an FD
// table, and the mutable inner record {cwd, parent, children, context,
// status, exit code} protected by its own lock.
type Task struct {
	ID  uint64
	Gid uint64

	KStack     *mem.Tracker
	kstackRest []*mem.Tracker // remaining frames of the contiguous kernel stack
	AS         *aspace.AddressSpace
	Files      FDTable

	mu       sync.Mutex
	Cwd      string
	Parent   *Task // intentionally uncounted: §9's "strong child / weak parent" tree
	Children []*Task
	Context  Context
	Status   Status
	ExitCode int
	Acct     Accnt
}

// NewTask allocates a fresh kernel stack and returns an unscheduled Task in
// Ready state. Callers enqueue it with Scheduler.Enqueue once its address
// space and initial context are built (by the ELF loader, for a fresh
// exec, or by fork's COW setup).
func NewTask(id, gid uint64, alloc *mem.FrameAllocator, as *aspace.AddressSpace, files FDTable) (*Task, kerr.Code) {
	frames, errc := alloc.AllocContiguous(kconfig.KernelStackPages)
	if errc != kerr.None {
		return nil, errc
	}
	// The kernel stack is owned outright by this task; KStack holds the
	// first tracker and kstackRest the others, so Destroy can free every
	// frame AllocContiguous handed out as separate Trackers.
	t := &Task{
		ID: id, Gid: gid,
		KStack: frames[0],
		AS:     as,
		Files:  files,
		Status: Ready,
	}
	t.kstackRest = frames[1:]
	return t, kerr.None
}

// Destroy frees the task's kernel stack. Called once the task is Dead and
// its last reference (the init task's wait reaper) drops it, per §5's
// "resources are freed when the final owning reference drops".
func (t *Task) Destroy() {
	t.KStack.Free()
	for _, f := range t.kstackRest {
		f.Free()
	}
}
