package execution

import (
	"context"
	"sync"
)

// Registry is the set of executions currently holding a handle. Every
// insert and remove wakes the waiters.
type Registry struct {
	mu      sync.Mutex
	active  map[*Execution]struct{}
	changed chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[*Execution]struct{}),
		changed: make(chan struct{}),
	}
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Add registers e
func (r *Registry) Add(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[e] = struct{}{}
	r.broadcastLocked()
}

// Remove unregisters e. Removing an unknown execution is a no-op.
func (r *Registry) Remove(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[e]; !ok {
		return
	}
	delete(r.active, e)
	r.broadcastLocked()
}

// Len returns the number of registered executions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns the registered executions.
func (r *Registry) Snapshot() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Execution, 0, len(r.active))
	for e := range r.active {
		out = append(out, e)
	}
	return out
}

// ForceResetAll marks every registered execution for force reset and
// returns how many were marked.
func (r *Registry) ForceResetAll() int {
	active := r.Snapshot()
	for _, e := range active {
		e.ForceReset()
	}
	return len(active)
}

// Changed returns a channel closed at the next insert or remove.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// WaitEmpty blocks until nothing is registered or ctx is done.
func (r *Registry) WaitEmpty(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.active) == 0 {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
