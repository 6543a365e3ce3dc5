package zoesync

import (
	"sync"
)

// ============================================================================
// Listener Registry
// ============================================================================

// listenerSet is a registry of callbacks with disposer-based removal.
// Delivery is synchronous and in registration order.
type listenerSet[T any] struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]func(T)
}

// add registers a handler and returns a disposer that removes it.
// The disposer is idempotent.
func (s *listenerSet[T]) add(h func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// notify invokes every registered handler with v.
func (s *listenerSet[T]) notify(v T) {
	s.mu.Lock()
	handlers := make([]func(T), 0, len(s.handlers))
	for _, id := range s.order {
		if h, ok := s.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(v)
		}()
	}
}

// clear drops all handlers; outstanding disposers become no-ops.
func (s *listenerSet[T]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
	s.order = nil
}
