// Package handle implements the data-handle coherency layer: refcounted
// access to shared application data across multiple access modes, with a
// FIFO waiter queue and head-group promotion on release (spec.md §3.1, §4.1).
package handle

import (
	"strconv"
	"sync"

	"github.com/cuemby/fluxrt/pkg/metrics"
	"github.com/cuemby/fluxrt/pkg/primitives"
	"github.com/cuemby/fluxrt/pkg/rterr"
)

// ArbiterBinding is the minimal view a Handle needs of the arbiter
// governing it: just enough to let callers detect which arbiter a
// contiguous prefix of buffers belongs to (job.go's sort groups same-
// arbiter handles together). The real commute acquisition logic lives in
// pkg/arbiter and operates on Handle's exported Commute* methods directly,
// bypassing the normal waiter queue entirely (§4.2 motivation: one-by-one
// acquisition of commute handles deadlocks).
type ArbiterBinding interface {
	ID() uint64
}

// Waiter is a pending requester enqueued on a handle's waiter list: the
// requesting job, the buffer index inside that job's ordered buffer list,
// the requested mode, and a ready callback invoked (outside any handle
// lock) once promoted.
type Waiter struct {
	JobID       string
	BufferIndex int
	Mode        Mode
	Ready       func()
}

// Handle is a runtime descriptor for a piece of application data (§3.1).
type Handle struct {
	id uint64

	header primitives.Spinlock

	currentMode Mode
	refcnt      int
	busyCount   int
	waiters     []*Waiter

	arbiter        ArbiterBinding
	commuteWaiters []*Waiter

	// distributed-run fields (§3.1 owner_rank)
	ownerRank int

	// Deallocator frees a replica's backing storage. Set at registration
	// and may be nil; the distributed cache's "not executed here" path
	// calls it, when set, to discard a received replica (SPEC_FULL.md's
	// resolution of the _starpu_data_deallocate open question).
	Deallocator func([]byte) error

	idleMu   sync.Mutex
	idleCond *sync.Cond
}

// New creates an idle handle with the given stable identity and owner
// rank (-1 meaning replicated / not distributed).
func New(id uint64, ownerRank int) *Handle {
	h := &Handle{id: id, ownerRank: ownerRank}
	h.idleCond = sync.NewCond(&h.idleMu)
	return h
}

// ID returns the handle's stable identity, used as hash key and buffer-list
// sort key.
func (h *Handle) ID() uint64 { return h.id }

// OwnerRank returns the owning peer rank, or -1 if replicated.
func (h *Handle) OwnerRank() int { return h.ownerRank }

// SetOwnerRank updates ownership, e.g. after a write migrates the data.
func (h *Handle) SetOwnerRank(rank int) {
	h.header.Lock()
	h.ownerRank = rank
	h.header.Unlock()
}

// Arbiter returns the arbiter governing this handle, or nil.
func (h *Handle) Arbiter() ArbiterBinding { return h.arbiter }

// BindArbiter assigns the governing arbiter. Per §3.1, this is only legal
// while refcnt == 0 && busyCount == 0, and a handle may be bound at most
// once (fixed at handle-initialization time).
func (h *Handle) BindArbiter(a ArbiterBinding) error {
	h.header.Lock()
	defer h.header.Unlock()
	if h.arbiter != nil {
		return rterr.New(rterr.InvariantViolation, "handle already bound to an arbiter")
	}
	if h.refcnt != 0 || h.busyCount != 0 {
		return rterr.New(rterr.InvariantViolation, "handle must be idle to bind an arbiter")
	}
	h.arbiter = a
	return nil
}

// Snapshot is a point-in-time, lock-protected read of a handle's header,
// useful for tests and invariant assertions.
type Snapshot struct {
	Refcnt      int
	BusyCount   int
	CurrentMode Mode
	WaiterCount int
}

func (h *Handle) Snapshot() Snapshot {
	h.header.Lock()
	defer h.header.Unlock()
	return Snapshot{
		Refcnt:      h.refcnt,
		BusyCount:   h.busyCount,
		CurrentMode: h.currentMode,
		WaiterCount: len(h.waiters),
	}
}

// Acquire attempts to take a reference in the given mode for the given
// waiter. taken == true means the caller holds the reference now; taken ==
// false means w was appended to the waiter queue and w.Ready will be
// invoked (outside of any handle lock) once promoted.
//
// Acquire must not be used for commute modes — those route through the
// arbiter governing the handle (see pkg/arbiter).
func (h *Handle) Acquire(w *Waiter) (taken bool, err error) {
	if w.Mode.Commute {
		return false, rterr.New(rterr.InvariantViolation, "commute-mode acquisition must go through the arbiter")
	}

	h.header.Lock()
	defer h.header.Unlock()

	if h.busyCount == maxBusyCount {
		rterr.Fatal(rterr.Resource, "busy_count overflow on handle acquisition", nil)
	}

	switch {
	case w.Mode.Base == Scratch:
		h.refcnt++
		h.busyCount++
		metrics.HandleAcquisitionsTotal.WithLabelValues(w.Mode.Base.String(), "taken").Inc()
		return true, nil

	case h.refcnt == 0:
		h.currentMode = w.Mode
		h.refcnt = 1
		h.busyCount++
		metrics.HandleAcquisitionsTotal.WithLabelValues(w.Mode.Base.String(), "taken").Inc()
		return true, nil

	case compatible(h.currentMode, w.Mode):
		h.refcnt++
		h.busyCount++
		metrics.HandleAcquisitionsTotal.WithLabelValues(w.Mode.Base.String(), "taken").Inc()
		return true, nil

	default:
		h.waiters = append(h.waiters, w)
		h.busyCount++
		metrics.HandleAcquisitionsTotal.WithLabelValues(w.Mode.Base.String(), "queued").Inc()
		metrics.HandleWaiterQueueDepth.WithLabelValues(idLabel(h.id)).Set(float64(len(h.waiters)))
		return false, nil
	}
}

// maxBusyCount is a defensive ceiling; real exhaustion of an int counter
// never happens in practice, but §4.1 names overflow as a fatal condition
// so the check exists.
const maxBusyCount = int(^uint(0) >> 1)

// Release drops one active reference. If refcnt reaches zero, waiters are
// promoted per the FIFO head-group policy (§4.1) while still holding the
// header lock, but their Ready callbacks are invoked only after the lock is
// released — calling back into the job/worker layer while holding the
// handle's spinlock would acquire locks out of the documented top-down
// order (init → arbiter → handle header → worker sched).
func (h *Handle) Release() {
	h.header.Lock()

	if h.refcnt <= 0 {
		h.header.Unlock()
		rterr.Fatal(rterr.InvariantViolation, "refcnt underflow on handle release", nil)
		return
	}

	h.refcnt--
	h.busyCount--

	var promoted []*Waiter
	if h.refcnt == 0 && len(h.waiters) > 0 {
		promoted = h.promoteLocked()
	}

	idle := h.refcnt == 0
	h.header.Unlock()

	if idle {
		h.idleCond.Broadcast()
	}
	for _, w := range promoted {
		w.Ready()
	}
}

// promoteLocked must be called with header held and refcnt == 0. It removes
// the promoted prefix from h.waiters, updates currentMode/refcnt for the
// handle, and returns the promoted waiters for the caller to notify.
func (h *Handle) promoteLocked() []*Waiter {
	head := h.waiters[0]

	n := 1
	if readIsh(head.Mode.Base) {
		for n < len(h.waiters) && h.waiters[n].Mode.Base == head.Mode.Base {
			n++
		}
	}

	promoted := h.waiters[:n]
	h.waiters = h.waiters[n:]

	h.currentMode = head.Mode
	h.refcnt = n

	metrics.HandleWaiterQueueDepth.WithLabelValues(idLabel(h.id)).Set(float64(len(h.waiters)))

	out := make([]*Waiter, n)
	copy(out, promoted)
	return out
}

// WaitIdle blocks until refcnt reaches zero; used during deregistration
// (§3.1 Lifecycle: "all waiters must be drained before deregistration").
func (h *Handle) WaitIdle() {
	h.idleMu.Lock()
	defer h.idleMu.Unlock()
	for {
		h.header.Lock()
		idle := h.refcnt == 0
		h.header.Unlock()
		if idle {
			return
		}
		h.idleCond.Wait()
	}
}

func idLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
