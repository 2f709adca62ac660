// Package e2e runs multi-node fluxrt scenarios end-to-end: every node is a
// real runtime.Runtime with its own worker pool and transport listener,
// wired together the way a deployed cluster would be, just in-process
// rather than across separate hosts.
package e2e

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/runtime"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func newNode(t *testing.T, rank int, peers []string) *runtime.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.NodeRank = rank
	cfg.WorldSize = len(peers)
	cfg.Peers = peers
	cfg.MetricsAddr = ""
	cfg.PerfModelPath = t.TempDir() + "/perf.db"

	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// TestDistributedNonOwnerDefersExecution is the cluster-level counterpart to
// pkg/admission's unit tests: a two-node world where a handle is owned by
// rank 1. Submitting against it on rank 0 must defer rather than run the
// codelet locally — the observable half of the admission decision (§4.5
// step 3) from the node that does not own the data.
func TestDistributedNonOwnerDefersExecution(t *testing.T) {
	addr0 := freeTCPAddr(t)
	addr1 := freeTCPAddr(t)
	peers := []string{addr0, addr1}

	node0 := newNode(t, 0, peers)
	_ = newNode(t, 1, peers)
	time.Sleep(100 * time.Millisecond) // let both transport listeners come up

	writeHandle := node0.RegisterHandle(1, nil) // owned by rank 1

	ran := make(chan struct{}, 1)
	cl := &codelet.Codelet{
		Name: "remote-owner",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error { ran <- struct{}{}; return nil },
		},
	}

	task := codelet.New(cl, codelet.Buffer(writeHandle, handle.ModeWrite()))
	_, err := node0.Submit(task, codelet.CPU)
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("rank 0 executed a task it does not own the write buffer for")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestShutdownUnderLoadAcrossWorkers is scenario S6 at the runtime level:
// many jobs queued across a multi-worker pool, shutdown requested
// immediately, every job still completes before Shutdown returns.
func TestShutdownUnderLoadAcrossWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = []config.WorkerSpec{{Arch: "cpu", Count: 4}}
	cfg.MetricsAddr = ""
	cfg.PerfModelPath = t.TempDir() + "/perf.db"

	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	const n = 200
	done := make(chan struct{}, n)
	cl := &codelet.Codelet{
		Name: "load",
		Implementations: map[codelet.Arch]codelet.KernelFunc{
			codelet.CPU: func(ctx *codelet.ExecContext) error {
				done <- struct{}{}
				return nil
			},
		},
	}

	for i := 0; i < n; i++ {
		h := rt.RegisterHandle(-1, nil)
		task := codelet.New(cl, codelet.Buffer(h, handle.ModeWrite()))
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
