// Package arbiter implements the commute-mode arbiter (spec.md §3.3, §4.2):
// the dining-philosophers-style protocol that acquires a prefix of several
// handles for one job atomically, all-or-nothing, so that no two jobs can
// deadlock each holding a handle the other needs.
package arbiter

import (
	"strconv"
	"sync"

	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/metrics"
)

// Arbiter governs atomic multi-handle acquisition for a set of commute-mode
// handles bound to it via handle.BindArbiter.
type Arbiter struct {
	id uint64

	lockFree bool
	mu       sync.Mutex
	delegate chan func()

	pending []*pendingAttempt
}

type pendingAttempt struct {
	j       *job.Job
	entries []job.BufferEntry
	waiters []*handle.Waiter
	ready   func()
}

// New creates a mutex-serialized arbiter. This is the default mode,
// modeled directly on the teacher's single-mutex Apply pattern: every
// attempt runs start-to-finish under one lock, so "all or nothing" falls
// out of ordinary mutual exclusion.
func New(id uint64) *Arbiter {
	return &Arbiter{id: id}
}

// NewLockFree creates an arbiter that serializes attempts through a single
// consumer goroutine reading a channel of closures instead of a mutex — a
// delegate list (spec.md §4.2's "optional lock-free variant"). Callers still
// block until their own closure runs, but no goroutine ever spins or blocks
// holding a lock; contention shows up as channel backpressure instead.
func NewLockFree(id uint64) *Arbiter {
	a := &Arbiter{id: id, lockFree: true, delegate: make(chan func(), 64)}
	go a.runDelegate()
	return a
}

func (a *Arbiter) runDelegate() {
	for fn := range a.delegate {
		fn()
	}
}

// ID satisfies handle.ArbiterBinding.
func (a *Arbiter) ID() uint64 { return a.id }

// Bind binds the arbiter to h. h must be idle and unbound.
func (a *Arbiter) Bind(h *handle.Handle) error {
	return h.BindArbiter(a)
}

// serialize runs fn with exclusive access to the arbiter's pending-attempt
// state, either under a.mu or, in lock-free mode, inside the delegate
// goroutine — blocking the caller until fn has run either way.
func (a *Arbiter) serialize(fn func()) {
	if a.lockFree {
		done := make(chan struct{})
		a.delegate <- func() {
			fn()
			close(done)
		}
		<-done
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
}

// Submit attempts to atomically acquire every commute-mode buffer in j's
// ordered list (spec.md §4.2 submit). If every handle is currently idle,
// all are taken in one step and Submit returns true; the caller may proceed
// to run j immediately. Otherwise j is registered as a waiter on each of
// its governed handles and Submit returns false — ready is invoked later,
// from Notify, once the whole prefix becomes available.
//
// j must have at least one commute buffer; callers with none should not
// route through the arbiter at all.
func (a *Arbiter) Submit(j *job.Job, ready func()) bool {
	entries := j.CommuteBuffers()
	if len(entries) == 0 {
		return true
	}

	var ok bool
	a.serialize(func() {
		if tryAcquireAll(entries) {
			ok = true
			return
		}

		waiters := make([]*handle.Waiter, len(entries))
		for i, e := range entries {
			w := &handle.Waiter{JobID: j.ID, Mode: e.Mode}
			waiters[i] = w
			e.Handle.AppendCommuteWaiter(w)
			e.Handle.BumpBusyForWait()
		}
		a.pending = append(a.pending, &pendingAttempt{j: j, entries: entries, waiters: waiters, ready: ready})
		metrics.ArbiterContentionTotal.WithLabelValues(idLabel(a.id)).Inc()
	})
	return ok
}

// Notify re-evaluates the pending-attempt queue after a governed handle has
// gone idle (spec.md §4.2 notify). It walks every pending attempt in FIFO
// order, retrying the all-or-nothing acquisition for each; an attempt that
// still cannot proceed is skipped, not stopped on, so a later attempt whose
// handles are all free is never starved by an earlier one still blocked on
// a handle the later attempt doesn't even touch.
func (a *Arbiter) Notify() {
	var fire []func()
	a.serialize(func() {
		remaining := a.pending[:0]
		for _, attempt := range a.pending {
			if !tryAcquireAll(attempt.entries) {
				remaining = append(remaining, attempt)
				continue
			}
			for i, e := range attempt.entries {
				e.Handle.RemoveCommuteWaiter(attempt.waiters[i])
				e.Handle.UndoBusyForWait()
			}
			fire = append(fire, attempt.ready)
		}
		a.pending = remaining
	})
	// Ready callbacks run outside the serialization section, matching
	// handle.Handle.Release's discipline of never calling back into other
	// subsystems while holding this package's own lock.
	for _, f := range fire {
		f()
	}
}

// tryAcquireAll attempts TryTakeCommute on every entry in order, rolling
// back everything acquired so far the moment one fails. Callers must hold
// the arbiter's serialization section.
func tryAcquireAll(entries []job.BufferEntry) bool {
	taken := make([]*handle.Handle, 0, len(entries))
	for _, e := range entries {
		if e.Handle.TryTakeCommute(e.Mode) {
			taken = append(taken, e.Handle)
			continue
		}
		for _, h := range taken {
			h.UndoTakeCommute()
		}
		return false
	}
	return true
}

func idLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
