package event

import "sync"

// Bus delivers values to a Registry in emission order.
//
// Producers holding their own locks call Enqueue and, once unlocked, Flush.
// A publication made from inside an observer is queued behind the value
// being delivered instead of being delivered re-entrantly.
type Bus[T any] struct {
	observers Registry[T]

	mu       sync.Mutex
	queue    []T
	draining bool
}

// Subscribe registers an observer for every value flushed after the call.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	return b.observers.Subscribe(fn)
}

// Observers returns the number of registered observers.
func (b *Bus[T]) Observers() int {
	return b.observers.Len()
}

// Enqueue appends v without delivering it.
func (b *Bus[T]) Enqueue(v T) {
	b.mu.Lock()
	b.queue = append(b.queue, v)
	b.mu.Unlock()
}

// Publish enqueues v and flushes.
func (b *Bus[T]) Publish(v T) {
	b.Enqueue(v)
	b.Flush()
}

// Flush delivers queued values. If another Flush is already delivering,
// it returns and the active drainer picks the values up.
func (b *Bus[T]) Flush() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.observers.Notify(next)

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

// Discard drops values that were enqueued but not yet delivered.
func (b *Bus[T]) Discard() {
	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
}
