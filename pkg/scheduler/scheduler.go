// Package scheduler defines the scheduling-policy interface and the
// policies that decide which worker runs a ready job (spec.md §3.5, §4.4).
package scheduler

import (
	"sync"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/worker"
)

// Policy is the scheduling-context interface every policy implements
// (§3.5's init_ctx/push_task/pop_task/add_workers/remove_workers family).
// A Policy owns no goroutines of its own; the runtime calls PushTask
// synchronously from whichever goroutine made the job ready, so
// implementations with any internal state must be safe for concurrent use.
// Neither the runtime nor Worker.Run calls PopTask: a worker runs only what
// was pushed to its own queue or slot.
type Policy interface {
	// AddWorkers registers workers as schedulable targets.
	AddWorkers(workers []*worker.Worker)
	// RemoveWorkers unregisters workers, e.g. before they terminate.
	RemoveWorkers(workers []*worker.Worker)
	// PushTask hands a newly-ready job to the policy, which assigns it to a
	// worker (immediately, via Worker.Push/PushSlot) or holds it until a
	// matching worker calls PopTask.
	PushTask(j *job.Job) error
	// PopTask is called by an idle worker looking for work outside its own
	// queue (e.g. after work-stealing); it returns nil if none is available.
	PopTask(w *worker.Worker) *job.Job
}

// FIFO is the default policy, modeled on StarPU's simplest "eager"
// strategy. It keeps no queue of its own: a job goes to the first worker
// with the shortest local queue among those supporting one of its codelet's
// architectures, into that worker's optimistic slot if the slot is free and
// onto its FIFO queue otherwise.
type FIFO struct {
	mu      sync.Mutex
	workers map[codelet.Arch][]*worker.Worker
}

// NewFIFO creates an empty FIFO policy.
func NewFIFO() *FIFO {
	return &FIFO{workers: make(map[codelet.Arch][]*worker.Worker)}
}

func (p *FIFO) AddWorkers(workers []*worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range workers {
		p.workers[w.Arch()] = append(p.workers[w.Arch()], w)
	}
}

func (p *FIFO) RemoveWorkers(workers []*worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range workers {
		list := p.workers[w.Arch()]
		for i, cand := range list {
			if cand == w {
				p.workers[w.Arch()] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (p *FIFO) PushTask(j *job.Job) error {
	p.mu.Lock()
	candidates := p.candidatesLocked(j)
	p.mu.Unlock()

	target := pickShortestQueue(candidates)
	if target == nil {
		return errNoWorkerForArch(j)
	}
	if target.SlotFree() {
		return target.PushSlot(j)
	}
	return target.Push(j)
}

func (p *FIFO) PopTask(w *worker.Worker) *job.Job {
	// The FIFO policy keeps no central queue of its own — work lives on
	// each worker's local queue — so a worker asking PopTask for more work
	// beyond its own queue has nothing to steal here. WorkStealing below
	// implements that behavior.
	return nil
}

func (p *FIFO) candidatesLocked(j *job.Job) []*worker.Worker {
	archs := supportedArchs(j)
	var out []*worker.Worker
	for _, a := range archs {
		out = append(out, p.workers[a]...)
	}
	return out
}

func supportedArchs(j *job.Job) []codelet.Arch {
	if j.Task.Codelet == nil {
		return []codelet.Arch{j.Arch}
	}
	var archs []codelet.Arch
	for a := range j.Task.Codelet.Implementations {
		archs = append(archs, a)
	}
	if len(archs) == 0 {
		return []codelet.Arch{j.Arch}
	}
	return archs
}

func pickShortestQueue(candidates []*worker.Worker) *worker.Worker {
	var best *worker.Worker
	bestDepth := -1
	for _, w := range candidates {
		d := w.QueueDepth()
		if bestDepth == -1 || d < bestDepth {
			best, bestDepth = w, d
		}
	}
	return best
}

func errNoWorkerForArch(j *job.Job) error {
	return &NoWorkerError{JobID: j.ID}
}

// NoWorkerError reports that no worker supports any architecture the job's
// codelet implements (spec.md §8 scenario S5: "no device" rejection).
type NoWorkerError struct {
	JobID string
}

func (e *NoWorkerError) Error() string {
	return "scheduler: no worker available for job " + e.JobID
}
