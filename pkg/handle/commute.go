package handle

// The methods in this file are used exclusively by pkg/arbiter to implement
// the commute-mode acquisition protocol (§4.2). They bypass the normal
// waiter-queue promotion in handle.go entirely: commute waiters are tracked
// by the arbiter itself (one queue per handle, guarded by the arbiter's own
// lock), because a single job's commute prefix must be acquired atomically
// across several handles — something the per-handle FIFO queue in Acquire
// cannot express.

// TryTakeCommute attempts to take the handle for commute-mode access,
// succeeding only if the handle is currently idle (refcnt == 0). Mirrors
// spec.md §4.2 submit step 2.
func (h *Handle) TryTakeCommute(mode Mode) bool {
	h.header.Lock()
	defer h.header.Unlock()
	if h.refcnt != 0 {
		return false
	}
	h.refcnt = 1
	h.busyCount++
	h.currentMode = mode
	return true
}

// UndoTakeCommute reverts a successful TryTakeCommute — used when a later
// handle in the same attempt fails and the whole attempt must roll back
// (§4.2 submit step 4: "release all handles reserved in this attempt").
func (h *Handle) UndoTakeCommute() {
	h.header.Lock()
	h.refcnt = 0
	h.busyCount--
	h.header.Unlock()
}

// BumpBusyForWait increments busy_count for a handle that is about to carry
// a commute waiter but was not successfully taken (and thus not already
// bumped) during the current attempt.
func (h *Handle) BumpBusyForWait() {
	h.header.Lock()
	h.busyCount++
	h.header.Unlock()
}

// ReleaseCommute drops a commute-mode reference taken via TryTakeCommute.
// It reports whether the handle is now idle, which is the arbiter's signal
// to scan h's commute waiter queue.
func (h *Handle) ReleaseCommute() (idle bool) {
	h.header.Lock()
	if h.refcnt <= 0 {
		h.header.Unlock()
		panic("handle: commute refcnt underflow")
	}
	h.refcnt--
	h.busyCount--
	idle = h.refcnt == 0
	h.header.Unlock()
	if idle {
		h.idleCond.Broadcast()
	}
	return idle
}

// AppendCommuteWaiter appends w to the handle's commute waiter queue. The
// commute queue is append-only during a waiting period (§4.2 invariant);
// removal only happens atomically under the arbiter lock via
// RemoveCommuteWaiter.
func (h *Handle) AppendCommuteWaiter(w *Waiter) {
	h.header.Lock()
	h.commuteWaiters = append(h.commuteWaiters, w)
	h.header.Unlock()
}

// CommuteWaiters returns a snapshot copy of the current commute waiter
// queue, in FIFO order.
func (h *Handle) CommuteWaiters() []*Waiter {
	h.header.Lock()
	defer h.header.Unlock()
	out := make([]*Waiter, len(h.commuteWaiters))
	copy(out, h.commuteWaiters)
	return out
}

// RemoveCommuteWaiter removes w from the commute waiter queue, reporting
// whether it was present.
func (h *Handle) RemoveCommuteWaiter(w *Waiter) bool {
	h.header.Lock()
	defer h.header.Unlock()
	for i, cw := range h.commuteWaiters {
		if cw == w {
			h.commuteWaiters = append(h.commuteWaiters[:i], h.commuteWaiters[i+1:]...)
			return true
		}
	}
	return false
}

// IsIdle reports whether refcnt == 0 right now (best-effort outside a lock
// held across the caller's own critical section).
func (h *Handle) IsIdle() bool {
	h.header.Lock()
	defer h.header.Unlock()
	return h.refcnt == 0
}

// UndoBusyForWait reverts a BumpBusyForWait once the waiting job has either
// been granted the handle (TryTakeCommute bumps busy_count again on its own
// success) or abandoned the attempt.
func (h *Handle) UndoBusyForWait() {
	h.header.Lock()
	h.busyCount--
	h.header.Unlock()
}
