// Package job turns a codelet.Task into an admitted Job: an ordered,
// deduplicated buffer list and a dependency counter that tracks how many of
// those buffers are still unavailable. It deliberately knows nothing about
// pkg/arbiter or pkg/worker — the runtime glue decides what to do with a
// Job once it goes ready, keeping the dependency graph itself free of
// scheduling concerns.
package job

import (
	"sort"
	"sync"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/rterr"
)

// Status is a job's position in its lifecycle (§3.2 Job).
type Status int

const (
	StatusSubmitted Status = iota
	StatusWaitingDeps
	StatusReady
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusWaitingDeps:
		return "waiting_deps"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BufferEntry is one (handle, mode) pair in a job's ordered access list,
// after duplicate-handle coalescing.
type BufferEntry struct {
	Handle *handle.Handle
	Mode   handle.Mode
}

// Job is an admitted task: an ordered buffer list and the bookkeeping
// needed to know when every buffer has granted access.
type Job struct {
	ID     string
	Task   *codelet.Task
	Arch   codelet.Arch

	mu      sync.Mutex
	status  Status
	buffers []BufferEntry
	noOp    bool

	// pending counts buffers not yet acquired. Commute-mode buffers are
	// excluded from this counter entirely: they are acquired as a group by
	// the arbiter, which reports success through the ready callback its
	// caller passed to Arbiter.Submit.
	pending int

	acquiredWaiters []*handle.Waiter
	onReady         func(*Job)
}

// New builds a Job from a task, assigning it id and sorting/deduplicating
// its declared buffers into the canonical access order (§4.3):
//
//  1. Buffers governed by an arbiter (commute-mode) sort after plain
//     buffers, grouped contiguously by arbiter so the arbiter can acquire
//     its whole prefix atomically.
//  2. Within a group, buffers sort by handle identity, so two jobs that
//     both touch handles A and B always acquire them in the same order —
//     the deadlock-avoidance discipline described for the spinlock/handle
//     lock order, applied symmetrically to data dependencies.
//  3. A handle appearing more than once in the same task (e.g. declared
//     both READ and WRITE) coalesces to a single entry using the more
//     exclusive of the two modes; write-ish dominates read-ish, and a
//     commute declaration dominates both.
func New(id string, t *codelet.Task, arch codelet.Arch, onReady func(*Job)) *Job {
	j := &Job{ID: id, Task: t, Arch: arch, status: StatusSubmitted, onReady: onReady}
	j.buffers, j.noOp = coalesceAndSort(t.Buffers)

	for _, b := range j.buffers {
		if !b.Mode.Commute {
			j.pending++
		}
	}
	return j
}

// NoOp reports whether the task declared a nil handle for a write-ish
// buffer (§4.5: this node holds no local instance of the data it would
// write). Such a job must never be dispatched, admitted, or scheduled —
// there is nothing for this node to do. The nil buffer is dropped from the
// access list; any other buffers the task declared stay in it and are
// still acquired by Submit.
func (j *Job) NoOp() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.noOp
}

func coalesceAndSort(decls []codelet.Buffer_) ([]BufferEntry, bool) {
	byHandle := make(map[*handle.Handle]handle.Mode)
	order := make([]*handle.Handle, 0, len(decls))
	noOp := false
	for _, d := range decls {
		if d.Handle == nil {
			if d.Mode.IsWriteIsh() {
				noOp = true
			}
			continue
		}
		existing, ok := byHandle[d.Handle]
		if !ok {
			order = append(order, d.Handle)
			byHandle[d.Handle] = d.Mode
			continue
		}
		byHandle[d.Handle] = dominant(existing, d.Mode)
	}

	entries := make([]BufferEntry, len(order))
	for i, h := range order {
		entries[i] = BufferEntry{Handle: h, Mode: byHandle[h]}
	}

	sort.SliceStable(entries, func(i, k int) bool {
		gi, gk := arbiterGroupKey(entries[i]), arbiterGroupKey(entries[k])
		if gi != gk {
			return gi < gk
		}
		return entries[i].Handle.ID() < entries[k].Handle.ID()
	})
	return entries, noOp
}

// dominant resolves two access modes declared on the same handle within one
// task: commute beats everything, then write-ish beats read-ish.
func dominant(a, b handle.Mode) handle.Mode {
	if a.Commute {
		return a
	}
	if b.Commute {
		return b
	}
	if a.IsWriteIsh() {
		return a
	}
	if b.IsWriteIsh() {
		return b
	}
	return a
}

// arbiterGroupKey sorts non-commute buffers first (group 0), then groups
// commute buffers contiguously by their governing arbiter's identity.
func arbiterGroupKey(e BufferEntry) uint64 {
	if !e.Mode.Commute {
		return 0
	}
	if a := e.Handle.Arbiter(); a != nil {
		return a.ID() + 1
	}
	return 1
}

// Buffers returns the job's ordered, coalesced buffer list.
func (j *Job) Buffers() []BufferEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]BufferEntry, len(j.buffers))
	copy(out, j.buffers)
	return out
}

// CommuteBuffers returns the subset of the buffer list that requires the
// arbiter protocol, in canonical order.
func (j *Job) CommuteBuffers() []BufferEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []BufferEntry
	for _, b := range j.buffers {
		if b.Mode.Commute {
			out = append(out, b)
		}
	}
	return out
}

// Status reports the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Submit requests acquisition of every non-commute buffer in the job's
// ordered list. A buffer taken immediately decrements the pending counter;
// one that queues registers a Ready callback that calls ReleaseDep.
// Submit returns true if every non-commute buffer has already been acquired.
// Commute buffers are not considered, so an all-commute job also returns
// true — the caller must still route jobs with commute buffers through the
// arbiter regardless of this return value.
func (j *Job) Submit() (ready bool, err error) {
	j.mu.Lock()
	if j.status != StatusSubmitted {
		j.mu.Unlock()
		return false, rterr.New(rterr.InvariantViolation, "job: Submit called more than once")
	}
	j.status = StatusWaitingDeps
	buffers := make([]BufferEntry, len(j.buffers))
	copy(buffers, j.buffers)
	noPending := j.pending == 0
	j.mu.Unlock()

	// A job with no non-commute buffers (all-commute, or none at all) never
	// gets a ReleaseDep call from the loop below; fire readiness directly.
	if noPending {
		j.mu.Lock()
		if j.status == StatusWaitingDeps {
			j.status = StatusReady
		}
		cb := j.onReady
		j.mu.Unlock()
		if cb != nil {
			cb(j)
		}
	}

	for _, b := range buffers {
		if b.Mode.Commute {
			continue
		}
		w := &handle.Waiter{JobID: j.ID, Mode: b.Mode, Ready: func() { j.ReleaseDep() }}
		taken, aerr := b.Handle.Acquire(w)
		if aerr != nil {
			return false, aerr
		}
		j.mu.Lock()
		j.acquiredWaiters = append(j.acquiredWaiters, w)
		j.mu.Unlock()
		if taken {
			j.ReleaseDep()
		}
	}

	return j.Status() == StatusReady, nil
}

// ReleaseDep decrements the pending-buffer counter by one, transitioning the
// job to StatusReady and invoking onReady when it reaches zero. Safe to
// call from a Handle.Release Ready callback, which never runs while any
// handle header spinlock is held.
func (j *Job) ReleaseDep() {
	j.mu.Lock()
	if j.pending > 0 {
		j.pending--
	}
	fire := j.pending == 0 && j.status == StatusWaitingDeps
	if fire {
		j.status = StatusReady
	}
	cb := j.onReady
	j.mu.Unlock()

	if fire && cb != nil {
		cb(j)
	}
}

// MarkRunning transitions a ready job into execution. Returns an error if
// the job was not ready.
func (j *Job) MarkRunning() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusReady {
		return rterr.New(rterr.InvariantViolation, "job: MarkRunning called on a non-ready job")
	}
	j.status = StatusRunning
	return nil
}

// Complete releases every acquired non-commute buffer, in the reverse of
// their acquisition order (§4.3), and retires the job. Commute-mode
// buffers are released separately by the arbiter.
func (j *Job) Complete() {
	j.mu.Lock()
	j.status = StatusTerminated
	waiters := j.acquiredWaiters
	buffers := j.buffers
	j.mu.Unlock()

	released := make(map[*handle.Handle]bool, len(waiters))
	for i := len(buffers) - 1; i >= 0; i-- {
		b := buffers[i]
		if b.Mode.Commute || released[b.Handle] {
			continue
		}
		released[b.Handle] = true
		b.Handle.Release()
	}
}
