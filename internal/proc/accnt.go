package proc

import (
	"sync"
)

// Accnt accumulates per-task accounting information: nanoseconds of user
// and system time consumed. Grounded on accnt.Accnt_t (user/sys nanosecond
// counters behind a mutex so a consistent snapshot can be taken while
// reporting usage), generalized only in name (Userns/Sysns kept, the
// rusage-byte-encoding helper dropped since nothing here exposes a Unix
// ABI to translate into).
type Accnt struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	a.mu.Lock()
	a.Userns += delta
	a.mu.Unlock()
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	a.mu.Lock()
	a.Sysns += delta
	a.mu.Unlock()
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}

// Add merges another task's accounting into this one, used when reaping a
// child so its usage folds into the parent on wait().
func (a *Accnt) Add(n *Accnt) {
	un, sn := n.Snapshot()
	a.mu.Lock()
	a.Userns += un
	a.Sysns += sn
	a.mu.Unlock()
}
