package primitives

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a CAS spinlock. Handles use one per instance to protect their
// header fields (§3.1 header_lock); spec.md requires it never be held
// across a condvar wait, so callers must not call Lock and then block on a
// sync.Cond without unlocking first.
type Spinlock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (s *Spinlock) Unlock() {
	s.held.Store(false)
}
