package trap

import (
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/mem"
	"duckos/internal/proc"
)

// SyscallHandler services one syscall number given its six argument
// registers, returning the value to place in a0 and a recoverable error
// code (a kerr.Code other than None is itself negative and is placed in a0
// instead, unchanged, by Dispatcher.handleEcall, per §7's "syscalls return
// negative error codes").
type SyscallHandler func(t *proc.Task, args [6]uint64) (ret uint64, errc kerr.Code)

// Dispatcher is the syscall table plus the trap entry/return glue.
// Table is exported so boot glue can register handlers (write, dup, dup3,
// chdir, getcwd, fstat, uname, ...) without this package importing vfs.
type Dispatcher struct {
	Table map[uint64]SyscallHandler
}

// NewDispatcher returns a Dispatcher with an empty syscall table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{Table: make(map[uint64]SyscallHandler)}
}

// Register installs handler for syscall number num, per §6's "extension
// points exist for dup/dup3/chdir/getcwd/fstat/uname".
func (d *Dispatcher) Register(num uint64, handler SyscallHandler) {
	d.Table[num] = handler
}

// Entry is the single trap entry vector (§4.8): it has already been handed
// a populated TrapFrame (saving all registers is the boot assembly's job
// in a freestanding kernel; here the caller constructs tf from whatever
// triggered the trap). Entry records the hart's id in tf, branches on
// cause, and returns the recoverable error (kerr.None
// on success — a fatal cause instead panics via kerr.Fatal, matching
// §7's "fatal when an invariant is violated").
func (d *Dispatcher) Entry(h *proc.HartLocal, tf *TrapFrame, rawScause uint64) kerr.Code {
	tf.HartID = h.ID

	cause := Scause(rawScause)
	t := h.Current

	switch cause {
	case CauseUserEcall:
		tf.Sepc += 4
		return d.handleEcall(t, tf)
	case CauseInstructionPageFault, CauseLoadPageFault, CauseStoreAMOPageFault:
		if t == nil {
			kerr.Fatal("trap/dispatch.go", 0, "page fault with no current task")
		}
		write := cause == CauseStoreAMOPageFault
		errc := t.AS.PageFault(mem.Va(tf.Stval), write)
		if errc != kerr.None {
			klog.Warnf(klog.Fields{"task": t.ID, "cause": cause}, "unhandled page fault, killing task")
		}
		return errc
	default:
		kerr.Fatal("trap/dispatch.go", 0, "unhandled trap cause")
		return kerr.None // unreachable
	}
}

// handleEcall dispatches (a7, a0..a5) to the registered handler and places
// the result (or the error code, which is already negative) into a0.
func (d *Dispatcher) handleEcall(t *proc.Task, tf *TrapFrame) kerr.Code {
	num, args := tf.SyscallArgs()
	handler, ok := d.Table[num]
	if !ok {
		klog.Warnf(klog.Fields{"syscall": num}, "unimplemented syscall")
		errc := kerr.NotFound
		tf.SetReturn(uint64(errc))
		return kerr.None
	}
	ret, errc := handler(t, args)
	if errc != kerr.None {
		tf.SetReturn(uint64(errc))
		return kerr.None
	}
	tf.SetReturn(ret)
	return kerr.None
}

// Return restores the trap frame's register state and issues sret,
// returning control to sepc in user mode (§4.8). A hosted kernel has no
// real sret; this is the seam a freestanding boot assembly stub would
// replace with the actual instruction, recorded here so the ordering
// (restore-then-return) is visible in one place.
func (d *Dispatcher) Return(h *proc.HartLocal, tf *TrapFrame) {
	if h.SumEnabled() {
		klog.Warnf(klog.Fields{"hart": h.ID}, "returning to user with SUM still enabled")
	}
	klog.Infof(klog.Fields{"hart": h.ID, "sepc": tf.Sepc}, "trap return")
}
