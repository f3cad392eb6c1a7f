package event

import "sync"

// Registry is an ordered list of observers. Observers are invoked in
// registration order; removal through the returned func is idempotent.
type Registry[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a func that removes exactly that observer.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Notify calls every observer registered at the time of the call.
// It must not be called while holding a lock an observer may need.
func (r *Registry[T]) Notify(v T) {
	r.mu.RLock()
	snapshot := make([]func(T), len(r.entries))
	for i, e := range r.entries {
		snapshot[i] = e.fn
	}
	r.mu.RUnlock()

	for _, fn := range snapshot {
		fn(v)
	}
}
