package sensor

import (
	"sync"

	"github.com/google/uuid"
)

// handlerRegistry is an ordered observer list. Add returns an unsubscribe
// closure that removes exactly that registration; calling it more than once
// is a no-op.
type handlerRegistry[T any] struct {
	mu       sync.Mutex
	handlers map[string]T
	order    []string
}

func newHandlerRegistry[T any]() *handlerRegistry[T] {
	return &handlerRegistry[T]{handlers: make(map[string]T)}
}

func (r *handlerRegistry[T]) add(handler T) func() {
	token := uuid.NewString()

	r.mu.Lock()
	r.handlers[token] = handler
	r.order = append(r.order, token)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.handlers[token]; !ok {
			return
		}
		delete(r.handlers, token)
		for i, id := range r.order {
			if id == token {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// snapshot returns the registered handlers in registration order. Callers
// invoke handlers outside the registry lock.
func (r *handlerRegistry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handlers[id])
	}
	return out
}

func (r *handlerRegistry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
