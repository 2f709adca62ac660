// Package worker implements the per-architecture execution thread: its
// lifecycle state machine, local task queue, and the pause/resume discipline
// described in spec.md §3.4 and §5.
package worker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/log"
	"github.com/cuemby/fluxrt/pkg/metrics"
	"github.com/cuemby/fluxrt/pkg/rterr"
)

// State is a worker's position in its lifecycle (§3.4 Worker).
type State int

const (
	Initializing State = iota
	Sleeping
	WakingUp
	Executing
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Sleeping:
		return "sleeping"
	case WakingUp:
		return "waking_up"
	case Executing:
		return "executing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config configures a single worker thread.
type Config struct {
	ID   string
	Arch codelet.Arch
}

// Worker is one execution thread bound to a single architecture, with its
// own condvar-guarded local queue (§3.4: "each worker has a local task
// queue and a condition variable it sleeps on when idle").
type Worker struct {
	id   string
	arch codelet.Arch
	log  zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	queue      []*job.Job
	slot       *job.Job // the optimistic ordered slot (§3.4 and §5)
	pauseDepth int

	runner func(*job.Job, *Worker) error

	doneCh chan struct{}
}

// New creates a worker in the Initializing state. runner executes a ready
// job's codelet implementation for this worker's architecture; it is
// called with no worker locks held.
func New(cfg Config, runner func(*job.Job, *Worker) error) *Worker {
	w := &Worker{
		id:     cfg.ID,
		arch:   cfg.Arch,
		state:  Initializing,
		runner: runner,
		doneCh: make(chan struct{}),
		log:    log.WithComponent("worker").With().Str("worker_id", cfg.ID).Str("arch", string(cfg.Arch)).Logger(),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string { return w.id }

// Arch returns the worker's architecture.
func (w *Worker) Arch() codelet.Arch { return w.arch }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// QueueDepth returns the number of jobs currently queued locally, not
// counting the optimistic slot.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run is the worker's main loop: INITIALIZING -> SLEEPING, then alternating
// between SLEEPING (waiting on the condvar for work or a wake signal) and
// EXECUTING, until Stop transitions it to TERMINATED. Run blocks until
// stopped and is meant to be called from its own goroutine.
func (w *Worker) Run() {
	w.mu.Lock()
	w.state = Sleeping
	w.mu.Unlock()

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && w.slot == nil && w.state != Terminated {
			w.state = Sleeping
			w.cond.Wait()
		}
		if w.state == Terminated && len(w.queue) == 0 && w.slot == nil {
			w.mu.Unlock()
			close(w.doneCh)
			return
		}
		if w.pauseDepth > 0 {
			// Paused: stay asleep even though work is queued, until Resume
			// drops pauseDepth back to zero and broadcasts.
			for w.pauseDepth > 0 && w.state != Terminated {
				w.cond.Wait()
			}
			if w.state == Terminated && len(w.queue) == 0 && w.slot == nil {
				w.mu.Unlock()
				close(w.doneCh)
				return
			}
		}

		w.state = WakingUp
		j := w.popLocked()
		w.state = Executing
		w.mu.Unlock()

		metrics.WorkerQueueDepth.WithLabelValues(w.id, string(w.arch)).Set(float64(w.QueueDepth()))
		w.execute(j)

		w.mu.Lock()
		w.state = Sleeping
		w.mu.Unlock()
	}
}

// popLocked removes and returns the next job to run, preferring the
// optimistic slot (§5: "a single ready job may be stashed directly into a
// worker's slot, bypassing the queue, to shave one scheduling round trip
// off the common case of a job whose only consumer is already idle").
// Must be called with w.mu held.
func (w *Worker) popLocked() *job.Job {
	if w.slot != nil {
		j := w.slot
		w.slot = nil
		return j
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	return j
}

func (w *Worker) execute(j *job.Job) {
	timer := metrics.NewTimer()
	if err := j.MarkRunning(); err != nil {
		w.log.Error().Str("job_id", j.ID).Err(err).Msg("job not ready at execution time")
		return
	}

	err := w.runner(j, w)
	j.Complete()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		w.log.Error().Str("job_id", j.ID).Err(err).Msg("job execution failed")
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(w.arch), outcome).Inc()
	timer.ObserveDurationVec(metrics.TaskExecutionDuration, string(w.arch))

	if j.Task != nil && j.Task.Callback != nil {
		j.Task.Callback(err)
	}
}

// Push appends a job to the worker's local queue and wakes it if sleeping.
func (w *Worker) Push(j *job.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Terminated {
		return rterr.New(rterr.InvariantViolation, "worker: push to terminated worker")
	}
	w.queue = append(w.queue, j)
	metrics.TasksDispatchedTotal.WithLabelValues(string(w.arch)).Inc()
	w.cond.Broadcast()
	return nil
}

// PushSlot stashes j directly into the optimistic slot, bypassing the
// queue. It is the caller's responsibility to ensure the slot is empty
// (callers typically check via SlotFree first).
func (w *Worker) PushSlot(j *job.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Terminated {
		return rterr.New(rterr.InvariantViolation, "worker: push to terminated worker")
	}
	if w.slot != nil {
		return rterr.New(rterr.InvariantViolation, "worker: slot already occupied")
	}
	w.slot = j
	metrics.TasksDispatchedTotal.WithLabelValues(string(w.arch)).Inc()
	w.cond.Broadcast()
	return nil
}

// SlotFree reports whether the optimistic slot is currently empty.
func (w *Worker) SlotFree() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slot == nil
}

// Pause increments the pause depth, putting the worker to sleep even with
// work queued once it next checks. Pause/Resume are reference-counted so
// nested callers (e.g. a blocking task and the runtime's own drain logic)
// don't race to re-enable the worker early (§3.4: "pause/resume with
// balanced depth").
func (w *Worker) Pause() {
	w.mu.Lock()
	w.pauseDepth++
	w.mu.Unlock()
}

// Resume decrements the pause depth, waking the worker once it reaches
// zero.
func (w *Worker) Resume() {
	w.mu.Lock()
	if w.pauseDepth > 0 {
		w.pauseDepth--
	}
	wake := w.pauseDepth == 0
	w.mu.Unlock()
	if wake {
		w.cond.Broadcast()
	}
}

// Stop requests termination. The worker finishes any job already popped,
// then drains its remaining queue and slot by continuing to run them —
// Stop does not discard queued work. Once both the queue and slot are
// empty, Run returns. Callers that need work abandoned instead of drained
// should cancel upstream admission before calling Stop.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.state = Terminated
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Done returns a channel closed once Run has returned after Stop.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}
