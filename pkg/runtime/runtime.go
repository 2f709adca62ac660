// Package runtime wires every collaborator package into one process-wide
// object: handle registry, arbiter registry, worker pool, scheduler policy,
// performance model, and (in distributed mode) transport and admission.
// It owns the init/shutdown and pause/resume lifecycle spec.md §5 assigns
// to "the runtime" as a whole, grounded on the teacher's central manager
// object that wires storage, raft, and the worker-facing services together.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fluxrt/pkg/admission"
	"github.com/cuemby/fluxrt/pkg/arbiter"
	"github.com/cuemby/fluxrt/pkg/codelet"
	"github.com/cuemby/fluxrt/pkg/config"
	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/log"
	"github.com/cuemby/fluxrt/pkg/metrics"
	"github.com/cuemby/fluxrt/pkg/perfmodel"
	"github.com/cuemby/fluxrt/pkg/rterr"
	"github.com/cuemby/fluxrt/pkg/scheduler"
	"github.com/cuemby/fluxrt/pkg/transport"
	"github.com/cuemby/fluxrt/pkg/worker"
)

// Runtime is a single process's fluxrt instance.
type Runtime struct {
	cfg config.Config
	log zerolog.Logger

	registry *handle.Registry

	arbitersMu sync.Mutex
	arbiters   map[uint64]*arbiter.Arbiter
	nextArbID  atomic.Uint64

	sched   scheduler.Policy
	workers []*worker.Worker

	perf      *perfmodel.Model
	transport *transport.Transport
	admission *admission.Admission

	metricsSrv *http.Server

	pauseMu    sync.Mutex
	pauseDepth int

	// initMu/initCond/initCount/initState implement §4.4's reference-counted
	// init/shutdown: concurrent Start/Shutdown callers share one instance,
	// and only the first Start actually launches it (UNINIT -> CHANGING ->
	// INIT) while only the last matching Shutdown tears it down (the
	// reverse transition).
	initMu    sync.Mutex
	initCond  *sync.Cond
	initCount int
	initState initState
}

type initState int

const (
	stateUninit initState = iota
	stateChanging
	stateInit
)

// New builds a Runtime from cfg: initializes logging, opens the performance
// model store, constructs the worker pool described by cfg.Workers, and (for
// cfg.WorldSize > 1) the transport and admission collaborators for
// distributed task admission (§4.5).
func New(cfg config.Config) (*Runtime, error) {
	log.Init(cfg.LogConfig())

	rt := &Runtime{
		cfg:      cfg,
		log:      log.WithComponent("runtime"),
		registry: handle.NewRegistry(),
		arbiters: make(map[uint64]*arbiter.Arbiter),
	}
	rt.initCond = sync.NewCond(&rt.initMu)

	switch cfg.SchedulerPolicy {
	case "work_stealing":
		rt.sched = scheduler.NewWorkStealing()
	default:
		rt.sched = scheduler.NewFIFO()
	}

	for _, spec := range cfg.Workers {
		for i := 0; i < spec.Count; i++ {
			id := fmt.Sprintf("%s-%d", spec.Arch, i)
			rt.workers = append(rt.workers, worker.New(worker.Config{
				ID:   id,
				Arch: codelet.Arch(spec.Arch),
			}, rt.runJob))
		}
	}

	if cfg.PerfModelPath != "" {
		m, err := perfmodel.Open(cfg.PerfModelPath)
		if err != nil {
			return nil, fmt.Errorf("runtime: opening performance model: %w", err)
		}
		rt.perf = m
	}

	if cfg.WorldSize > 1 {
		rt.transport = transport.New(cfg.NodeRank, cfg.Peers)
		rt.admission = admission.New(cfg.NodeRank, rt.transport)
	}

	return rt, nil
}

// Start launches the worker goroutines, the transport server (if
// distributed), and the metrics/health HTTP endpoint. It returns
// immediately; Shutdown stops everything it starts.
//
// Start and Shutdown are reference-counted per §4.4: concurrent callers may
// each hold their own Start/Shutdown pair against the same Runtime — only
// the first Start performs the actual launch (UNINIT -> CHANGING -> INIT),
// every other concurrent or later Start just waits for it and joins the
// count, and only the Shutdown that brings the count back to zero performs
// the actual teardown.
func (rt *Runtime) Start() error {
	rt.initMu.Lock()
	for rt.initState == stateChanging {
		rt.initCond.Wait()
	}
	rt.initCount++
	if rt.initCount > 1 {
		for rt.initState != stateInit {
			rt.initCond.Wait()
		}
		rt.initMu.Unlock()
		return nil
	}
	rt.initState = stateChanging
	rt.initMu.Unlock()

	err := rt.start()

	rt.initMu.Lock()
	if err != nil {
		rt.initCount--
		rt.initState = stateUninit
	} else {
		rt.initState = stateInit
	}
	rt.initCond.Broadcast()
	rt.initMu.Unlock()
	return err
}

// start performs the actual one-time launch work; only ever invoked once
// per live Runtime by Start's reference-counting wrapper.
func (rt *Runtime) start() error {
	rt.sched.AddWorkers(rt.workers)
	for _, w := range rt.workers {
		go w.Run()
	}
	metrics.RegisterComponent("workers", true, fmt.Sprintf("%d running", len(rt.workers)))

	if rt.perf != nil {
		metrics.RegisterComponent("perfmodel", true, "")
	}

	if rt.transport != nil {
		if rt.cfg.NodeRank >= len(rt.cfg.Peers) {
			metrics.RegisterComponent("transport", false, "node_rank has no corresponding peers entry")
			return rterr.New(rterr.ConfigInvalid, "node_rank has no corresponding peers entry")
		}
		listenAddr := rt.cfg.Peers[rt.cfg.NodeRank]
		go func() {
			if err := rt.transport.ServeTCP(listenAddr); err != nil {
				metrics.RegisterComponent("transport", false, err.Error())
				rt.log.Error().Err(err).Msg("transport server stopped")
			}
		}()
		metrics.RegisterComponent("transport", true, "listening on "+listenAddr)
	}

	if rt.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		rt.metricsSrv = &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	rt.log.Info().Int("workers", len(rt.workers)).Msg("runtime started")
	return nil
}

// NewArbiter creates and registers a fresh arbiter, in mutex or lock-free
// mode per cfg.ArbiterMode (§4.2's optional lock-free variant). Application
// code binds handles to it with Arbiter.Bind before submitting any task
// that declares commute-mode access to them.
func (rt *Runtime) NewArbiter() *arbiter.Arbiter {
	id := rt.nextArbID.Add(1)
	var a *arbiter.Arbiter
	if rt.cfg.ArbiterMode == "lock_free" {
		a = arbiter.NewLockFree(id)
	} else {
		a = arbiter.New(id)
	}
	rt.arbitersMu.Lock()
	rt.arbiters[id] = a
	rt.arbitersMu.Unlock()
	return a
}

func (rt *Runtime) arbiterFor(h *handle.Handle) *arbiter.Arbiter {
	bound := h.Arbiter()
	if bound == nil {
		return nil
	}
	rt.arbitersMu.Lock()
	defer rt.arbitersMu.Unlock()
	return rt.arbiters[bound.ID()]
}

// RegisterHandle creates a new data handle tracked by this runtime's
// registry (§3.1).
func (rt *Runtime) RegisterHandle(ownerRank int, dealloc func([]byte) error) *handle.Handle {
	return rt.registry.Register(ownerRank, dealloc)
}

// DeregisterHandle removes h from the registry once it has gone idle.
func (rt *Runtime) DeregisterHandle(h *handle.Handle) error {
	return rt.registry.Deregister(h)
}

// Submit admits t as a job for the given architecture class, per §4.3/§4.4:
// it acquires the job's non-commute buffers and, if any of its buffers are
// commute-mode, routes the whole task through the governing arbiter (§4.2)
// before it becomes schedulable. Submit returns once admission has started;
// the job runs asynchronously and, if t declares a Callback, reports
// completion through it.
func (rt *Runtime) Submit(t *codelet.Task, arch codelet.Arch) (*job.Job, error) {
	var mu sync.Mutex
	var once sync.Once
	gates := 1 // the non-commute dependency gate, always present

	var j *job.Job
	join := func() {
		mu.Lock()
		gates--
		done := gates == 0
		mu.Unlock()
		if done {
			once.Do(func() { rt.dispatch(j) })
		}
	}

	j = job.New(uuid.NewString(), t, arch, func(*job.Job) { join() })

	commuteEntries := j.CommuteBuffers()
	if len(commuteEntries) > 0 {
		arb := rt.arbiterFor(commuteEntries[0].Handle)
		if arb == nil {
			return nil, rterr.New(rterr.InvariantViolation, "commute buffer declared without a bound arbiter")
		}
		mu.Lock()
		gates++
		mu.Unlock()
		if arb.Submit(j, join) {
			join()
		}
	}

	if _, err := j.Submit(); err != nil {
		return nil, err
	}
	return j, nil
}

// dispatch runs once every dependency gate for j has cleared: the
// distributed admission decision (if any), then handing j to the scheduler
// policy. A job this rank does not execute (because another rank owns the
// write buffer, per §4.5) has its locally-acquired buffers released instead
// of being scheduled.
func (rt *Runtime) dispatch(j *job.Job) {
	if j.NoOp() {
		rt.releaseUnexecuted(j)
		return
	}

	if rt.admission != nil {
		submitted, err := rt.admission.SubmitDistributed(context.Background(), j)
		if err != nil {
			rt.log.Error().Str("job_id", j.ID).Err(err).Msg("distributed admission failed")
			rt.releaseUnexecuted(j)
			return
		}
		if !submitted {
			rt.releaseUnexecuted(j)
			return
		}
	}

	if err := rt.sched.PushTask(j); err != nil {
		rt.log.Error().Str("job_id", j.ID).Err(err).Msg("scheduling failed")
		rt.releaseUnexecuted(j)
	}
}

// releaseUnexecuted releases every buffer j acquired — commute-mode via the
// arbiter, everything else via Job.Complete — for a job that will never
// run on this rank.
func (rt *Runtime) releaseUnexecuted(j *job.Job) {
	for _, b := range j.CommuteBuffers() {
		arb := rt.arbiterFor(b.Handle)
		if idle := b.Handle.ReleaseCommute(); idle && arb != nil {
			arb.Notify()
		}
	}
	j.Complete()
}

// runJob is the kernel-invocation closure handed to every worker as its
// runner: it resolves the codelet's implementation for the worker's
// architecture, builds the ExecContext, runs it, releases any commute
// buffers the job held (non-commute buffers are released by Job.Complete,
// called by the worker package itself), and records a performance-model
// sample.
func (rt *Runtime) runJob(j *job.Job, w *worker.Worker) error {
	cl := j.Task.Codelet
	if cl == nil {
		return rterr.New(rterr.NoDevice, "job has no codelet")
	}
	fn, ok := cl.Implementations[w.Arch()]
	if !ok {
		return rterr.New(rterr.NoDevice, fmt.Sprintf("codelet %s has no %s implementation", cl.Name, w.Arch()))
	}

	bufs := make([]*handle.Handle, len(j.Task.Buffers))
	for i, b := range j.Task.Buffers {
		bufs[i] = b.Handle
	}
	ctx := &codelet.ExecContext{Buffers: bufs, Values: j.Task.Values, Arch: w.Arch(), WorkerID: w.ID()}

	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)

	for _, b := range j.CommuteBuffers() {
		arb := rt.arbiterFor(b.Handle)
		if idle := b.Handle.ReleaseCommute(); idle && arb != nil {
			arb.Notify()
		}
	}

	if rt.perf != nil && cl.Name != "" {
		if rerr := rt.perf.Record(cl.Name, string(w.Arch()), dur); rerr != nil {
			rt.log.Warn().Err(rerr).Msg("performance model record failed")
		}
	}
	return err
}

// Pause suspends dispatch to every worker, reference-counted so nested
// callers never re-enable workers before the outermost caller resumes
// (mirrors Worker's own pause/resume discipline, one level up).
func (rt *Runtime) Pause() {
	rt.pauseMu.Lock()
	rt.pauseDepth++
	first := rt.pauseDepth == 1
	rt.pauseMu.Unlock()
	if first {
		for _, w := range rt.workers {
			w.Pause()
		}
	}
}

// Resume reverses one Pause call, waking workers once the depth returns to
// zero.
func (rt *Runtime) Resume() {
	rt.pauseMu.Lock()
	if rt.pauseDepth > 0 {
		rt.pauseDepth--
	}
	last := rt.pauseDepth == 0
	rt.pauseMu.Unlock()
	if last {
		for _, w := range rt.workers {
			w.Resume()
		}
	}
}

// Shutdown reverses one Start call (§4.4's reference-counted discipline):
// if other Start callers are still holding the Runtime open, it only
// decrements the count and returns. Only the call that brings the count to
// zero actually stops every worker (draining queued work first, per §5),
// then the metrics server, transport, and performance model, in that
// order. Worker and metrics-server errors are logged as warnings; a
// failure closing the performance model store is returned, matching the
// teacher's convention of surfacing only storage-layer shutdown failures
// to the caller.
func (rt *Runtime) Shutdown() error {
	rt.initMu.Lock()
	if rt.initCount == 0 {
		rt.initMu.Unlock()
		return rterr.New(rterr.InvariantViolation, "runtime: Shutdown called without a matching Start")
	}
	rt.initCount--
	if rt.initCount > 0 {
		rt.initMu.Unlock()
		return nil
	}
	rt.initState = stateChanging
	rt.initMu.Unlock()

	err := rt.shutdown()

	rt.initMu.Lock()
	rt.initState = stateUninit
	rt.initCond.Broadcast()
	rt.initMu.Unlock()
	return err
}

// shutdown performs the actual one-time teardown; only ever invoked once
// per live Runtime by Shutdown's reference-counting wrapper.
func (rt *Runtime) shutdown() error {
	rt.log.Info().Msg("shutdown: draining workers")
	for _, w := range rt.workers {
		w.Stop()
	}
	for _, w := range rt.workers {
		<-w.Done()
	}

	if rt.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metricsSrv.Shutdown(ctx); err != nil {
			rt.log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	if rt.transport != nil {
		rt.transport.Stop()
	}

	if rt.perf != nil {
		if err := rt.perf.Close(); err != nil {
			return fmt.Errorf("runtime: closing performance model: %w", err)
		}
	}

	rt.log.Info().Msg("shutdown complete")
	return nil
}

// Workers returns the runtime's worker pool, chiefly for test assertions
// and the CLI's status command.
func (rt *Runtime) Workers() []*worker.Worker {
	out := make([]*worker.Worker, len(rt.workers))
	copy(out, rt.workers)
	return out
}
