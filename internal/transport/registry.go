package transport

import (
	"sync"

	"github.com/rs/zerolog"
)

// registry is an ordered set of subscribers. Dispatch runs each handler in
// subscription order and recovers panics so one handler cannot starve the rest.
type registry[T any] struct {
	name string
	log  *zerolog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.handlers {
		if s.id == id {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.RLock()
	snapshot := make([]subscription[T], len(r.handlers))
	copy(snapshot, r.handlers)
	r.mu.RUnlock()

	for _, s := range snapshot {
		r.call(s, v)
	}
}

func (r *registry[T]) call(s subscription[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("handler", r.name).Msg("handler panicked")
		}
	}()
	s.fn(v)
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
