package core

import (
	"sync"
	"sync/atomic"
)

// Registry is an ordered set of callbacks. Iteration follows insertion
// order. Removing an entry, including from inside a callback, takes effect
// immediately: a removed entry is skipped even by an iteration that has
// already started.
type Registry[T any] struct {
	mu      sync.Mutex
	entries []*registryEntry[T]
	nextID  uint64
}

type registryEntry[T any] struct {
	id     uint64
	fn     T
	active atomic.Bool
}

// Add appends fn and returns an idempotent remove func.
func (r *Registry[T]) Add(fn T) (remove func()) {
	r.mu.Lock()
	r.nextID++
	e := &registryEntry[T]{id: r.nextID, fn: fn}
	e.active.Store(true)
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e) })
	}
}

func (r *Registry[T]) remove(e *registryEntry[T]) {
	e.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.entries {
		if cur == e {
			// copy so snapshots held by in-flight iterations stay intact
			next := make([]*registryEntry[T], 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			r.entries = append(next, r.entries[i+1:]...)
			return
		}
	}
}

// Each calls visit for every active entry in insertion order.
func (r *Registry[T]) Each(visit func(T)) {
	r.mu.Lock()
	snapshot := r.entries
	r.mu.Unlock()

	for _, e := range snapshot {
		if e.active.Load() {
			visit(e.fn)
		}
	}
}

// Len returns the number of active entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear deactivates and removes every entry.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.active.Store(false)
	}
	r.entries = nil
}
