package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/job"
)

func newTestJob(id string, onReady func(*job.Job)) *job.Job {
	task := codelet.New(nil)
	j := job.New(id, task, codelet.CPU, onReady)
	return j
}

func TestWorkerExecutesPushedJobThenSleeps(t *testing.T) {
	var ran int32
	w := New(Config{ID: "w0", Arch: codelet.CPU}, func(j *job.Job, _ *Worker) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	go w.Run()
	defer w.Stop()

	j := newTestJob("j1", func(*job.Job) {})
	_, err := j.Submit()
	require.NoError(t, err)
	require.NoError(t, w.Push(j))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestWorkerSlotBypassesQueue(t *testing.T) {
	var order []string
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	w := New(Config{ID: "w0", Arch: codelet.CPU}, func(j *job.Job, _ *Worker) error {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	w.Pause() // hold both jobs until both are enqueued, to make ordering deterministic
	go w.Run()

	j1 := newTestJob("queued", func(*job.Job) {})
	_, _ = j1.Submit()
	require.NoError(t, w.Push(j1))

	j2 := newTestJob("slot", func(*job.Job) {})
	_, _ = j2.Submit()
	require.True(t, w.SlotFree())
	require.NoError(t, w.PushSlot(j2))

	w.Resume()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job never executed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"slot", "queued"}, order, "the optimistic slot must run before the queue")
	w.Stop()
}

func TestPauseBlocksDispatchUntilResume(t *testing.T) {
	ran := make(chan struct{}, 1)
	w := New(Config{ID: "w0", Arch: codelet.CPU}, func(j *job.Job, _ *Worker) error {
		ran <- struct{}{}
		return nil
	})
	go w.Run()
	defer w.Stop()

	w.Pause()
	j := newTestJob("j1", func(*job.Job) {})
	_, _ = j.Submit()
	require.NoError(t, w.Push(j))

	select {
	case <-ran:
		t.Fatal("job executed while worker paused")
	case <-time.After(20 * time.Millisecond):
	}

	w.Resume()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job never executed after resume")
	}
}

// TestShutdownDrainsUnderLoad is scenario S6: a worker with a backlog of
// queued jobs must finish them all before Stop's Run loop exits, rather
// than discarding the backlog.
func TestShutdownDrainsUnderLoad(t *testing.T) {
	const n = 50
	var completed int32

	w := New(Config{ID: "w0", Arch: codelet.CPU}, func(j *job.Job, _ *Worker) error {
		atomic.AddInt32(&completed, 1)
		return nil
	})
	go w.Run()

	for i := 0; i < n; i++ {
		j := newTestJob("j", func(*job.Job) {})
		_, _ = j.Submit()
		require.NoError(t, w.Push(j))
	}

	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never finished draining its backlog")
	}

	require.Equal(t, int32(n), atomic.LoadInt32(&completed), "all queued jobs must run before shutdown completes")
}

func TestPushToTerminatedWorkerErrors(t *testing.T) {
	w := New(Config{ID: "w0", Arch: codelet.CPU}, func(*job.Job, *Worker) error { return nil })
	go w.Run()
	w.Stop()
	<-w.Done()

	j := newTestJob("j1", func(*job.Job) {})
	err := w.Push(j)
	require.Error(t, err)
}
