package proc

import (
	"context"
	"runtime"
	"sync"

	"duckos/internal/aspace"
	"duckos/internal/kerr"
	"duckos/internal/klog"

	"golang.org/x/sync/semaphore"
)

// HartLocal is one hart's scheduling state (§4.7): the currently running
// task (if any), a saved idle context, and an SUM nesting counter — the
// RISC-V "supervisor may access user memory" permission, which (per §9's
// interrupt-safe-lock pattern) nests: only the outermost disable actually
// flips the bit back off.
//
// Supplemented feature named in SPEC_FULL, grounded on tinfo.Tnote_t as the
// per-execution-context record, but kept as an explicit struct rather than
// installed via runtime.Gptr — see the package doc comment.
type HartLocal struct {
	ID      int
	Current *Task
	Idle    Context
	sumMu   sync.Mutex
	sumNest int
}

// EnableSum increments the SUM nesting counter, enabling supervisor access
// to user-mapped pages for the duration of the critical section.
func (h *HartLocal) EnableSum() {
	h.sumMu.Lock()
	defer h.sumMu.Unlock()
	h.sumNest++
}

// DisableSum decrements the SUM nesting counter; only the outermost call
// actually disables supervisor access to user pages.
func (h *HartLocal) DisableSum() {
	h.sumMu.Lock()
	defer h.sumMu.Unlock()
	if h.sumNest > 0 {
		h.sumNest--
	}
}

// SumEnabled reports whether supervisor user-memory access is currently
// permitted on this hart.
func (h *HartLocal) SumEnabled() bool {
	h.sumMu.Lock()
	defer h.sumMu.Unlock()
	return h.sumNest > 0
}

// Scheduler owns the single global FIFO ready queue (§4.7) shared by every
// hart, plus the init task children are reparented to on exit.
//
// sem bounds how many harts may be concurrently registered and running,
// the DOMAIN STACK's use of golang.org/x/sync/semaphore: a hosted kernel
// has no real core count to stop at, so this is the mechanism that makes
// "N parallel kernel threads of execution, one per hart" (§5) an enforced
// invariant rather than a comment.
type Scheduler struct {
	mu    sync.Mutex
	ready []*Task
	Init  *Task
	sem   *semaphore.Weighted
}

// NewScheduler creates a scheduler that admits at most numHarts concurrent
// harts.
func NewScheduler(numHarts int) *Scheduler {
	return &Scheduler{sem: semaphore.NewWeighted(int64(numHarts))}
}

// AcquireHart blocks until a hart slot is available, per the boot sequence
// bringing up harts one at a time under the configured cap (§9 init order:
// "... → origin task → scheduler").
func (s *Scheduler) AcquireHart(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// ReleaseHart returns a hart slot, called when a hart parks permanently
// (shutdown).
func (s *Scheduler) ReleaseHart() { s.sem.Release(1) }

// Enqueue appends t to the tail of the ready queue and marks it Ready.
func (s *Scheduler) Enqueue(t *Task) {
	t.mu.Lock()
	t.Status = Ready
	t.mu.Unlock()

	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// ReadyLen returns the number of tasks currently waiting in the ready
// queue, for the profiling endpoint's point-in-time gauge.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

func (s *Scheduler) dequeue() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, false
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t, true
}

// Run is the idle loop's body (§4.7): pop a task from the ready queue,
// activate its address space, mark it Running, and install it as the
// hart's current task. Returns false if the ready queue was empty (the
// hart stays idle). The caller is responsible for the actual transfer of
// control into t.Context — in this hosted kernel that is the trap-return
// path (trap.Return), since there is no native register file for Run
// itself to restore.
func (s *Scheduler) Run(h *HartLocal) (*Task, bool) {
	t, ok := s.dequeue()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	t.Status = Running
	t.mu.Unlock()
	t.AS.PT.Activate()
	h.Current = t
	klog.Infof(klog.Fields{"hart": h.ID, "task": t.ID}, "scheduled task")
	return t, true
}

// Suspend moves the hart's current task back onto the ready queue, marks
// it Ready, switches the hart back to kernelAS, and clears h.Current.
func (s *Scheduler) Suspend(h *HartLocal, kernelAS *aspace.AddressSpace) {
	t := h.Current
	if t == nil {
		return
	}
	s.Enqueue(t)
	kernelAS.PT.Activate()
	h.Current = nil
}

// Exit marks the hart's current task Dead, records its exit code,
// reparents its children to the init task, clears its child list, and
// switches the hart back to kernelAS (§4.7).
func (s *Scheduler) Exit(h *HartLocal, kernelAS *aspace.AddressSpace, code int) {
	t := h.Current
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Status = Dead
	t.ExitCode = code
	children := t.Children
	t.Children = nil
	t.mu.Unlock()

	for _, c := range children {
		s.reparent(c)
	}

	kernelAS.PT.Activate()
	h.Current = nil
}

// reparent moves c under s.Init, using a bounded try-lock loop on Init to
// avoid the child↔init lock-order inversion the exit path would otherwise
// risk when many harts exit concurrently (§4.7, §5).
func (s *Scheduler) reparent(c *Task) {
	const maxAttempts = 10000
	for i := 0; i < maxAttempts; i++ {
		if s.Init.mu.TryLock() {
			c.mu.Lock()
			c.Parent = s.Init
			s.Init.Children = append(s.Init.Children, c)
			c.mu.Unlock()
			s.Init.mu.Unlock()
			return
		}
		runtime.Gosched()
	}
	kerr.Fatal("proc/sched.go", 0, "lock-order busy threshold exceeded reparenting to init")
}
