package gateway

import (
	"sort"
	"sync"
)

// Registry maps session keys to their live controller.
// One coarse lock serializes create, remove, and lookup; session counts are small.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Controller)}
}

// Get returns the controller for key.
func (r *Registry) Get(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[key]
	return c, ok
}

// GetOrCreate returns the existing controller for key, or stores the one built by create.
func (r *Registry) GetOrCreate(key string, create func() *Controller) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.sessions[key]; ok {
		return c, false
	}
	c := create()
	r.sessions[key] = c
	return c, true
}

// Remove deletes key only if it still maps to c.
func (r *Registry) Remove(key string, c *Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[key]; ok && cur == c {
		delete(r.sessions, key)
		return true
	}
	return false
}

// Controllers returns the live controllers ordered by key.
func (r *Registry) Controllers() []*Controller {
	r.mu.Lock()
	out := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
