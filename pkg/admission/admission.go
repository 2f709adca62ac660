// Package admission implements distributed task admission (spec.md §4.5):
// deciding which peer executes a task, scheduling the data movement that
// decision requires, and maintaining the per-peer transfer cache that
// suppresses repeated sends/receives of data nothing has touched since.
package admission

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync"

	"github.com/cuemby/fluxrt/pkg/handle"
	"github.com/cuemby/fluxrt/pkg/job"
	"github.com/cuemby/fluxrt/pkg/log"
	"github.com/cuemby/fluxrt/pkg/metrics"
	"github.com/cuemby/fluxrt/pkg/primitives"
	"github.com/cuemby/fluxrt/pkg/rterr"
)

// Transport is the subset of pkg/transport.Transport the admission path
// needs, kept as an interface so this package never imports transport's
// grpc-level plumbing directly.
type Transport interface {
	IsendDetached(ctx context.Context, peerRank int, tag string, data []byte, done func(error))
	IrecvDetached(tag string, done func(data []byte, err error))
}

// Admission drives distributed submission for a single process (one rank).
type Admission struct {
	rank int
	t    Transport

	mu     sync.Mutex
	caches map[int]*primitives.Hash32Map // one transfer cache per peer rank
}

// New creates an Admission for the given rank, talking to peers through t.
func New(rank int, t Transport) *Admission {
	return &Admission{rank: rank, t: t, caches: make(map[int]*primitives.Hash32Map)}
}

func (a *Admission) cacheFor(peer int) *primitives.Hash32Map {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caches[peer]
	if !ok {
		c = primitives.NewHash32Map()
		a.caches[peer] = c
	}
	return c
}

func crc32Key(h *handle.Handle) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.ID())
	return crc32.ChecksumIEEE(buf[:])
}

// Decision is the outcome of the executor-selection scan (§4.5 step 3).
type Decision struct {
	DoExecute    bool
	ExecutorRank int
}

// decide implements §4.5 step 3: at most one write/read-write buffer may
// name the executor; a second write buffer naming a different owner is a
// Coherence error. A task with no write-ish buffer at all executes locally
// — there is no owner to defer to.
func (a *Admission) decide(buffers []job.BufferEntry) (Decision, error) {
	executorRank := a.rank
	haveWrite := false

	for _, b := range buffers {
		if !b.Mode.IsWriteIsh() {
			continue
		}
		owner := b.Handle.OwnerRank()
		if owner < 0 {
			continue // replicated data carries no single owner
		}
		if !haveWrite {
			executorRank = owner
			haveWrite = true
			continue
		}
		if owner != executorRank {
			return Decision{}, rterr.New(rterr.Coherence, fmt.Sprintf(
				"task writes buffers owned by conflicting ranks %d and %d", executorRank, owner))
		}
	}

	return Decision{DoExecute: executorRank == a.rank, ExecutorRank: executorRank}, nil
}

// SubmitDistributed runs the full §4.5 admission scan for j: it derives the
// executor, schedules any required sends/receives for read-ish buffers, and
// reports whether this rank should submit j locally. When it returns
// (false, nil), the caller must not push j to a local worker — this rank's
// role was limited to data movement, and the executing peer owns running
// the task.
func (a *Admission) SubmitDistributed(ctx context.Context, j *job.Job) (submitted bool, err error) {
	if j.NoOp() {
		return false, nil
	}

	buffers := j.Buffers()

	decision, err := a.decide(buffers)
	if err != nil {
		return false, err
	}

	for _, b := range buffers {
		if b.Mode.Commute || b.Mode.IsWriteIsh() || b.Mode.Base == handle.Scratch {
			continue
		}
		a.scheduleReadMovement(ctx, j, b, decision)
	}

	if !decision.DoExecute {
		a.invalidateStaleWrites(j, buffers, decision)
		return false, nil
	}

	a.wrapCompletionInvalidation(j, buffers, decision)
	return true, nil
}

// scheduleReadMovement implements §4.5 step 4 for one read-ish buffer: a
// receive if this rank executes but doesn't own the data, or a send if this
// rank owns the data but another executes — gated by the per-peer cache so
// a buffer neither side has written since is never re-transferred.
func (a *Admission) scheduleReadMovement(ctx context.Context, j *job.Job, b job.BufferEntry, d Decision) {
	owner := b.Handle.OwnerRank()
	if owner < 0 {
		return // replicated: every rank already has a copy
	}

	key := crc32Key(b.Handle)
	tag := transferTag(b.Handle)

	switch {
	case d.DoExecute && owner != a.rank:
		cache := a.cacheFor(owner)
		if _, present := cache.Get(key); present {
			metrics.TransferCacheHitsTotal.WithLabelValues(strconv.Itoa(owner)).Inc()
			return
		}
		a.t.IrecvDetached(tag, func(data []byte, err error) {
			if err != nil {
				log.WithComponent("admission").Error().Err(err).Str("job_id", j.ID).Msg("receive failed")
				return
			}
			cache.Set(key, struct{}{})
		})

	case !d.DoExecute && owner == a.rank:
		cache := a.cacheFor(d.ExecutorRank)
		if _, present := cache.Get(key); present {
			metrics.TransferCacheHitsTotal.WithLabelValues(strconv.Itoa(d.ExecutorRank)).Inc()
			return
		}
		a.t.IsendDetached(ctx, d.ExecutorRank, tag, nil, func(err error) {
			if err != nil {
				log.WithComponent("admission").Error().Err(err).Str("job_id", j.ID).Msg("send failed")
				return
			}
			cache.Set(key, struct{}{})
		})
	}
}

// wrapCompletionInvalidation implements §4.5 step 6's "executed here"
// branch: once a write buffer's job completes, every peer's cached "already
// sent" marker for that buffer is stale and must be cleared so the next
// read is re-transferred instead of silently served from memory that no
// longer reflects the write.
func (a *Admission) wrapCompletionInvalidation(j *job.Job, buffers []job.BufferEntry, d Decision) {
	var writeHandles []*handle.Handle
	for _, b := range buffers {
		if b.Mode.IsWriteIsh() {
			writeHandles = append(writeHandles, b.Handle)
		}
	}
	if len(writeHandles) == 0 {
		return
	}

	orig := j.Task.Callback
	j.Task.Callback = func(err error) {
		if err == nil {
			a.mu.Lock()
			for _, c := range a.caches {
				for _, h := range writeHandles {
					c.Delete(crc32Key(h))
				}
			}
			a.mu.Unlock()
		}
		if orig != nil {
			orig(err)
		}
	}
}

// invalidateStaleWrites implements §4.5 step 6's "did not execute" branch:
// any replica this rank had cached as "already received" from the executor
// is now stale and its cache entry is dropped, so a future read refetches
// rather than reusing pre-write bytes.
func (a *Admission) invalidateStaleWrites(j *job.Job, buffers []job.BufferEntry, d Decision) {
	cache := a.cacheFor(d.ExecutorRank)
	for _, b := range buffers {
		if !b.Mode.IsWriteIsh() {
			continue
		}
		cache.Delete(crc32Key(b.Handle))
		if b.Handle.Deallocator != nil {
			_ = b.Handle.Deallocator(nil)
		}
	}
}

func transferTag(h *handle.Handle) string {
	return "handle-" + strconv.FormatUint(h.ID(), 10)
}
