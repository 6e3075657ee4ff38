// Package emitter provides a minimal synchronous observer. It replaces
// push-based reactive state containers with an explicit contract: Emit
// notifies every current subscriber before it returns, and subscribing
// or unsubscribing from inside a notification is safe.
package emitter

import "sync"

// Emitter fans a value out to subscribers synchronously.
type Emitter[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

// New creates an empty emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a cancel function. Cancelling twice
// is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Emit calls every subscriber registered at the time of the call, in
// registration order. The subscriber list is snapshotted first, so
// mutations made by a subscriber affect later Emit calls, not this one.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	// Map iteration order is random; restore registration order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
