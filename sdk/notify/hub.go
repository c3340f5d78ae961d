// Package notify fans store changes out to subscribers.
package notify

import (
	"sync"

	"github.com/mbeoliero/kit/log"
)

// Hub delivers values of T to every current subscriber, in subscription order.
// A panicking subscriber is logged and skipped.
type Hub[T any] struct {
	mu     sync.RWMutex
	nextId uint64
	subs   map[uint64]func(T)
	order  []uint64
}

// NewHub creates an empty hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is safe.
func (h *Hub[T]) Subscribe(fn func(T)) (cancel func()) {
	h.mu.Lock()
	h.nextId++
	id := h.nextId
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Publish calls every subscriber with v on the caller's goroutine
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		call(fn, v)
	}
}

// Len returns the number of subscribers
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Reset removes all subscribers
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	h.subs = make(map[uint64]func(T))
	h.order = nil
	h.mu.Unlock()
}

func call[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("subscriber panic recovered: %v", r)
		}
	}()
	fn(v)
}
