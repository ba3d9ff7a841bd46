package remote

import (
	"slices"
	"sync"
)

// Hub fans values out to subscribers. Delivery is synchronous, in
// subscription order, on the publishing goroutine.
type Hub[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(T)
}

// Subscribe registers fn and returns a function removing it. The returned
// function may be called more than once.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handlers == nil {
		h.handlers = make(map[uint64]func(T))
	}

	id := h.nextID
	h.nextID++
	h.handlers[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.handlers, id)
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	for _, fn := range h.snapshot() {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.handlers)
}

func (h *Hub[T]) snapshot() []func(T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]uint64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = h.handlers[id]
	}

	return fns
}
