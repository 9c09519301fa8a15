// Package registry keeps ordered callback registrations keyed by an opaque
// handle, so subscribers can be detached individually without comparing
// closures.
package registry

import (
	"sync"
	"sync/atomic"
)

// Handle identifies one registration. The zero Handle is never issued.
type Handle uint64

var handles atomic.Uint64

func nextHandle() Handle { return Handle(handles.Add(1)) }

type entry[T any] struct {
	h Handle
	v T
}

// Registry is an ordered set of values of type T. It is safe for
// concurrent use; Snapshot lets callers invoke callbacks without holding
// the registry lock.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
}

// Add appends v and returns its handle plus a detach function. Detaching
// more than once is harmless.
func (r *Registry[T]) Add(v T) (Handle, func()) {
	h := nextHandle()
	r.mu.Lock()
	r.entries = append(r.entries, entry[T]{h: h, v: v})
	r.mu.Unlock()

	var once sync.Once
	return h, func() { once.Do(func() { r.Remove(h) }) }
}

// Remove detaches the registration with handle h. It reports whether the
// handle was present.
func (r *Registry[T]) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.h == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every registration and returns how many were removed.
func (r *Registry[T]) Clear() int {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = nil
	r.mu.Unlock()
	return n
}

// Len returns the number of live registrations.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered values in registration order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.v
	}
	return out
}
