package scheduler

import (
	"sync"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/worker"
)

// WorkStealing keeps one shared, per-architecture backlog in addition to
// each worker's own local queue. PushTask assigns a job to the most-loaded
// matching worker (see pickLoadedCandidate), or parks it on the backlog when
// no worker supports its architectures; PopTask hands out backlog jobs only.
// PopTask never takes jobs from a worker's local queue.
type WorkStealing struct {
	mu      sync.Mutex
	workers map[codelet.Arch][]*worker.Worker
	backlog map[codelet.Arch][]*job.Job
}

// NewWorkStealing creates an empty work-stealing policy.
func NewWorkStealing() *WorkStealing {
	return &WorkStealing{
		workers: make(map[codelet.Arch][]*worker.Worker),
		backlog: make(map[codelet.Arch][]*job.Job),
	}
}

func (p *WorkStealing) AddWorkers(workers []*worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range workers {
		p.workers[w.Arch()] = append(p.workers[w.Arch()], w)
	}
}

func (p *WorkStealing) RemoveWorkers(workers []*worker.Worker) {
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

func (p *WorkStealing) PushTask(j *job.Job) error {
	p.mu.Lock()
	archs := supportedArchs(j)
	var candidates []*worker.Worker
	for _, a := range archs {
		candidates = append(candidates, p.workers[a]...)
	}
	if len(candidates) == 0 {
		// No worker registered yet for this architecture at all; park it on
		// the shared backlog so a worker added later (AddWorkers) or an
		// idle sibling can still pick it up via PopTask.
		p.backlog[archs[0]] = append(p.backlog[archs[0]], j)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	target := pickLoadedCandidate(candidates)
	if target.SlotFree() {
		return target.PushSlot(j)
	}
	return target.Push(j)
}

// pickLoadedCandidate picks the busiest worker rather than the idlest one
// (the first candidate with the deepest local queue), so PushTask
// concentrates new work instead of spreading it thin. Jobs placed on a
// worker's queue run only on that worker.
func pickLoadedCandidate(candidates []*worker.Worker) *worker.Worker {
	best := candidates[0]
	bestDepth := best.QueueDepth()
	for _, w := range candidates[1:] {
		if d := w.QueueDepth(); d > bestDepth {
			best, bestDepth = w, d
		}
	}
	return best
}

func (p *WorkStealing) PopTask(w *worker.Worker) *job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.backlog[w.Arch()]
	if len(queue) == 0 {
		return nil
	}
	j := queue[0]
	p.backlog[w.Arch()] = queue[1:]
	return j
}
