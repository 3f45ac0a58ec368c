// Package listeners keeps sets of callbacks that many goroutines register and fire.
package listeners

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is a set of callbacks kept in registration order. The zero value is ready to use.
type Registry[T any] struct {
	mu      sync.RWMutex
	order   []uuid.UUID
	entries map[uuid.UUID]func(T)
}

// Add registers fn and returns a func that removes it. The returned func is idempotent.
func (r *Registry[T]) Add(fn func(T)) func() {
	id := uuid.New()

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[uuid.UUID]func(T))
	}
	r.entries[id] = fn
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry[T]) snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]func(T), 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Len returns the number of registered callbacks
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Notify calls every callback with v outside the lock, so callbacks may add or remove
// registrations. A panicking callback is logged and does not stop the others.
func (r *Registry[T]) Notify(logger *zap.Logger, what string, v T) {
	for _, fn := range r.snapshot() {
		Guard(logger, what, func() { fn(v) })
	}
}

// Guard runs fn and logs instead of propagating a panic
func Guard(logger *zap.Logger, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered panic in callback",
				zap.String("callback", what),
				zap.Any("panic", p),
			)
		}
	}()
	fn()
}
