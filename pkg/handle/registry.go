package handle

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/fluxrt/pkg/rterr"
)

// Registry tracks every handle registered with a runtime, assigning stable
// identities and supporting the deregistration lifecycle from §3.1: "all
// waiters must be drained before deregistration; destroyed when no future
// references can be generated."
type Registry struct {
	nextID atomic.Uint64

	mu      sync.RWMutex
	handles map[uint64]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uint64]*Handle)}
}

// Register creates and tracks a new handle with the given owner rank
// (-1 for replicated data) and deallocator.
func (r *Registry) Register(ownerRank int, dealloc func([]byte) error) *Handle {
	id := r.nextID.Add(1)
	h := New(id, ownerRank)
	h.Deallocator = dealloc

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

// Lookup returns the handle with the given identity, if registered.
func (r *Registry) Lookup(id uint64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Deregister waits for the handle to go idle and removes it from the
// registry. Calling Deregister on a handle with a live arbiter binding and
// outstanding commute waiters will block until those waiters are drained.
func (r *Registry) Deregister(h *Handle) error {
	h.WaitIdle()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.id]; !ok {
		return rterr.New(rterr.InvariantViolation, "deregister of unregistered handle")
	}
	delete(r.handles, h.id)
	return nil
}

// Len reports the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
