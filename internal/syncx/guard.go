// Package syncx provides extended synchronization primitives
package syncx

import (
	"sync"
	"sync/atomic"
)

// Guard wraps RWMutex around a value with scoped helpers.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Read executes fn while holding the read lock.
func (g *Guard[T]) Read(fn func(T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.value)
}

// Write executes fn while holding the write lock, fn receives pointer for mutation.
func (g *Guard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Get returns a copy of the value (T should be value type or immutable).
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Swap atomically replaces and returns old value.
func (g *Guard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}

// Epoch is a generation counter. Work tagged with an older generation is stale.
type Epoch struct {
	n atomic.Uint64
}

// Current returns the current generation.
func (e *Epoch) Current() uint64 { return e.n.Load() }

// Advance starts a new generation and returns it.
func (e *Epoch) Advance() uint64 { return e.n.Add(1) }

// Valid reports whether gen is still the current generation.
func (e *Epoch) Valid(gen uint64) bool { return e.n.Load() == gen }
