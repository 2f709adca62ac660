package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/worker"
)

func newIdleWorker(id string, arch codelet.Arch) *worker.Worker {
	return worker.New(worker.Config{ID: id, Arch: arch}, func(*job.Job, *worker.Worker) error { return nil })
}

func newPlainJob(id string, arch codelet.Arch) *job.Job {
	return job.New(id, codelet.New(nil), arch, func(*job.Job) {})
}

func TestFIFOPicksShortestQueue(t *testing.T) {
	p := NewFIFO()
	w1 := newIdleWorker("w1", codelet.CPU)
	w2 := newIdleWorker("w2", codelet.CPU)
	p.AddWorkers([]*worker.Worker{w1, w2})

	// Fill w1's slot and queue so it is no longer the shortest.
	require.NoError(t, w1.PushSlot(newPlainJob("x", codelet.CPU)))
	require.NoError(t, w1.Push(newPlainJob("y", codelet.CPU)))

	j := newPlainJob("j1", codelet.CPU)
	require.NoError(t, p.PushTask(j))
	require.True(t, w2.SlotFree() == false || w2.QueueDepth() == 1, "job should land on the less-loaded worker w2")
}

func TestFIFOReturnsNoWorkerError(t *testing.T) {
	p := NewFIFO()
	j := newPlainJob("j1", codelet.CUDA)
	err := p.PushTask(j)
	require.Error(t, err)
	var noWorker *NoWorkerError
	require.ErrorAs(t, err, &noWorker)
}

func TestRemoveWorkersExcludesFromScheduling(t *testing.T) {
	p := NewFIFO()
	w1 := newIdleWorker("w1", codelet.CPU)
	p.AddWorkers([]*worker.Worker{w1})
	p.RemoveWorkers([]*worker.Worker{w1})

	err := p.PushTask(newPlainJob("j1", codelet.CPU))
	require.Error(t, err)
}

func TestWorkStealingPopDrainsSharedBacklog(t *testing.T) {
	p := NewWorkStealing()
	j := newPlainJob("j1", codelet.CPU)

	// No workers registered yet: PushTask parks the job on the backlog.
	require.NoError(t, p.PushTask(j))

	w := newIdleWorker("w1", codelet.CPU)
	got := p.PopTask(w)
	require.NotNil(t, got)
	require.Equal(t, "j1", got.ID)

	require.Nil(t, p.PopTask(w), "backlog should be empty after draining")
}
