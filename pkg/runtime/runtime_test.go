package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/job"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PerfModelPath = t.TempDir() + "/perf.db"
	cfg.MetricsAddr = "" // no HTTP server in tests
	return cfg
}

func TestSubmitExecutesOnMatchingWorker(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	h := rt.RegisterHandle(-1, nil)

	ran := make(chan *codelet.ExecContext, 1)
	cl := &codelet.Codelet{
		Name:     "identity",
		NBuffers: 1,
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				ran <- ctx
				return nil
			},
		},
	}

	task := codelet.New(cl, codelet.Buffer(h, handle.ModeWrite()))
	_, err = rt.Submit(task, codelet.CPU)
	require.NoError(t, err)

	select {
	case ctx := <-ran:
		require.Equal(t, codelet.CPU, ctx.Arch)
		require.Len(t, ctx.Buffers, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("codelet never ran")
	}
}

func TestSubmitRejectedWithNoMatchingWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = []config.WorkerSpec{{Arch: "cpu", Count: 1}}
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	h := rt.RegisterHandle(-1, nil)
	cl := &codelet.Codelet{
		Name: "cuda-only",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CUDA: func(ctx *codelet.ExecContext) error { return nil },
		},
	}
	task := codelet.New(cl, codelet.Buffer(h, handle.ModeRead()))

	j, err := rt.Submit(task, codelet.CUDA)
	require.NoError(t, err)

	// No CUDA worker exists, so the scheduler rejects the job with
	// NoWorkerError and the runtime releases its buffers without running it
	// (job never reaches StatusRunning).
	require.Never(t, func() bool {
		return j.Status() == job.StatusRunning
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestPendingJobsContendOneHandleAndAllRun(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	h := rt.RegisterHandle(-1, nil)

	const n = 10
	done := make(chan struct{}, n)
	cl := &codelet.Codelet{
		Name: "counter",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				done <- struct{}{}
				return nil
			},
		},
	}

	for i := 0; i < n; i++ {
		task := codelet.New(cl, codelet.Buffer(h, handle.ModeWrite()))
		_, err := rt.Submit(task, codelet.CPU)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d/%d jobs ran", i, n)
		}
	}
}

func TestPauseStopsDispatchUntilResume(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	rt.Pause()

	h := rt.RegisterHandle(-1, nil)
	ran := make(chan struct{}, 1)
	cl := &codelet.Codelet{
		Name: "noop",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				ran <- struct{}{}
				return nil
			},
		},
	}
	task := codelet.New(cl, codelet.Buffer(h, handle.ModeWrite()))
	_, err = rt.Submit(task, codelet.CPU)
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("codelet ran while runtime was paused")
	case <-time.After(100 * time.Millisecond):
	}

	rt.Resume()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("codelet never ran after resume")
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	const n = 30
	done := make(chan struct{}, n)
	h := rt.RegisterHandle(-1, nil)
	cl := &codelet.Codelet{
		Name: "work",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				done <- struct{}{}
				return nil
			},
		},
	}
	for i := 0; i < n; i++ {
		task := codelet.New(cl, codelet.Buffer(h, handle.ModeRead()), codelet.Value([]byte{byte(i)}))
		_, err := rt.Submit(task, codelet.CPU)
		require.NoError(t, err)
	}

	require.NoError(t, rt.Shutdown())

	for i := 0; i < n; i++ {
		select {
		case <-done:
		default:
			t.Fatalf("only %d/%d jobs completed before shutdown returned", i, n)
		}
	}
}

// TestNestedStartShutdownIsReferenceCounted is §4.4: two concurrent
// "initializers" share one Runtime; only the first Start actually launches
// it and only the last matching Shutdown actually tears it down. An
// intermediate Shutdown call (with a Start still outstanding) must leave
// the runtime fully usable.
func TestNestedStartShutdownIsReferenceCounted(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, rt.Start())
	require.NoError(t, rt.Start()) // second, nested initializer

	require.NoError(t, rt.Shutdown()) // matches the second Start: no-op

	// Still live: a task submitted between the nested shutdown and the
	// final one must still execute.
	h := rt.RegisterHandle(-1, nil)
	ran := make(chan struct{}, 1)
	cl := &codelet.Codelet{
		Name: "nested-init-probe",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error { ran <- struct{}{}; return nil },
		},
	}
	task := codelet.New(cl, codelet.Buffer(h, handle.ModeWrite()))
	_, err = rt.Submit(task, codelet.CPU)
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("runtime torn down by a non-final Shutdown call")
	}

	require.NoError(t, rt.Shutdown()) // matches the first Start: actually tears down
}

func TestCommuteBufferRoutesThroughArbiterBeforeDispatch(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	arb := rt.NewArbiter()
	h := rt.RegisterHandle(-1, nil)
	require.NoError(t, arb.Bind(h))

	const n = 8
	done := make(chan struct{}, n)
	cl := &codelet.Codelet{
		Name: "accumulate",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				done <- struct{}{}
				return nil
			},
		},
	}

	for i := 0; i < n; i++ {
		task := codelet.New(cl, codelet.Buffer(h, handle.ModeCommute(handle.Write)))
		_, err := rt.Submit(task, codelet.CPU)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d/%d commute jobs ran", i, n)
		}
	}
}
