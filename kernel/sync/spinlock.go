// Package sync provides the synchronization primitives used by the kernel
// subsystems.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked while busy-waiting for a lock to become
	// available. Tests substitute it with runtime.Gosched; in the kernel
	// it remains nil and the acquire loop simply spins.
	yieldFn func()
)

// Spinlock is a busy-wait mutual exclusion lock. The zero value is an
// unlocked spinlock.
//
// Acquisition is implemented as an atomic exchange on the lock word and
// release as an atomic store, so the lock is safe against the interrupt
// handlers that interleave with base-level kernel code. Callers that share
// a lock with an interrupt handler must disable interrupts before
// acquiring it; taking the lock again on the same CPU deadlocks.
type Spinlock struct {
	state uint32
}

// Acquire spins until the lock is obtained.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to obtain the lock without spinning and returns
// true on success.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release unlocks the spinlock. Releasing a lock that is not held has no
// effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
