// Package observer provides a typed observer registry: an explicit,
// statically-typed replacement for an ambient publish/subscribe bus. Each
// component owns the registries for the events it emits.
package observer

import "sync"

// Registry fans an event of type T out to subscribed callbacks.
// Publish is synchronous; callbacks must not block.
type Registry[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a cancel func that removes it.
// Cancel is idempotent.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber. The subscriber set is
// snapshotted first so callbacks may subscribe or cancel without deadlock.
func (r *Registry[T]) Publish(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
