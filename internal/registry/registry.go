// Package registry guards one-shot initialization across repeated triggers.
//
// A Registry holds "already handled" flags keyed by concern. A flag is set by
// the first TryClaim for its key and stays set until an explicit Reset, which
// the gateway only performs on a user-initiated retry.
package registry

import "sync"

// HealthCheckKey guards the build-service health probe run once per process
const HealthCheckKey = "health-check"

// InitialLoadKey guards the initial generation trigger for a project
func InitialLoadKey(target string) string {
	return "initial-load:" + target
}

// Registry is a set of claimed keys. The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{claimed: make(map[string]struct{})}
}

// TryClaim returns true and marks key claimed only for the first call per key
func (r *Registry) TryClaim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claimed == nil {
		r.claimed = make(map[string]struct{})
	}
	if _, ok := r.claimed[key]; ok {
		return false
	}
	r.claimed[key] = struct{}{}
	return true
}

// Claimed reports whether key is currently claimed
func (r *Registry) Claimed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[key]
	return ok
}

// Reset clears the given keys so the next TryClaim for each succeeds again
func (r *Registry) Reset(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		delete(r.claimed, key)
	}
}
