package trap

import (
	"testing"

	"duckos/internal/aspace"
	"duckos/internal/kerr"
	"duckos/internal/mem"
	"duckos/internal/proc"
)

func fixture(t *testing.T) (*proc.HartLocal, *proc.Task) {
	t.Helper()
	arena := mem.NewArena(mem.Pa(0x80200000), 8192)
	alloc := mem.NewFrameAllocator(arena)
	kernel, errc := aspace.NewKernel(alloc, arena, nil)
	if errc != kerr.None {
		t.Fatalf("new kernel: %v", errc)
	}
	user, errc := aspace.NewUser(kernel, alloc, arena)
	if errc != kerr.None {
		t.Fatalf("new user: %v", errc)
	}
	task, errc := proc.NewTask(1, 1, alloc, user, nil)
	if errc != kerr.None {
		t.Fatalf("new task: %v", errc)
	}
	h := &proc.HartLocal{ID: 0, Current: task}
	return h, task
}

func TestEcallAdvancesSepcAndDispatches(t *testing.T) {
	h, task := fixture(t)
	d := NewDispatcher()

	var gotArgs [6]uint64
	d.Register(SysWrite, func(tk *proc.Task, args [6]uint64) (uint64, kerr.Code) {
		gotArgs = args
		if tk != task {
			t.Fatal("handler did not receive the current task")
		}
		return 42, kerr.None
	})

	tf := &TrapFrame{Sepc: 0x1000}
	tf.X[RegA7] = SysWrite
	tf.X[RegA0] = 3
	tf.X[RegA1] = 0x5000
	tf.X[RegA2] = 10

	if errc := d.Entry(h, tf, uint64(CauseUserEcall)); errc != kerr.None {
		t.Fatalf("entry: %v", errc)
	}
	if tf.Sepc != 0x1004 {
		t.Fatalf("expected sepc advanced by 4, got %#x", tf.Sepc)
	}
	if tf.X[RegA0] != 42 {
		t.Fatalf("expected return value 42 in a0, got %d", tf.X[RegA0])
	}
	if gotArgs[0] != 3 || gotArgs[1] != 0x5000 || gotArgs[2] != 10 {
		t.Fatalf("unexpected args passed to handler: %+v", gotArgs)
	}
}

func TestEcallUnimplementedReturnsNotFound(t *testing.T) {
	h, _ := fixture(t)
	d := NewDispatcher()
	tf := &TrapFrame{}
	tf.X[RegA7] = 9999
	if errc := d.Entry(h, tf, uint64(CauseUserEcall)); errc != kerr.None {
		t.Fatalf("entry: %v", errc)
	}
	if int64(tf.X[RegA0]) != int64(kerr.NotFound) {
		t.Fatalf("expected NotFound in a0, got %d", int64(tf.X[RegA0]))
	}
}

func TestPageFaultCauseForwardsToDispatcher(t *testing.T) {
	h, task := fixture(t)
	d := NewDispatcher()

	tf := &TrapFrame{Stval: 0x9999000}
	errc := d.Entry(h, tf, uint64(CauseLoadPageFault))
	if errc != kerr.SegV {
		t.Fatalf("expected SegV for an address outside any vma, got %v", errc)
	}
	_ = task
}

func TestScauseMasksInterruptBit(t *testing.T) {
	raw := uint64(1)<<63 | uint64(CauseUserEcall)
	if got := Scause(raw); got != CauseUserEcall {
		t.Fatalf("expected interrupt bit masked off, got %v", got)
	}
}
