// Package watch provides a single-slot, latest-value broadcast cell. Only
// the most recent value is retained; observers either poll Load or block on
// Changed.
package watch

import "sync"

// Value holds the latest value of T
type Value[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

// New creates a cell holding initial
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Send replaces the value and wakes every observer
func (v *Value[T]) Send(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = value
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

// Load returns the current value
func (v *Value[T]) Load() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Snapshot returns the current value and its version. The version grows by
// one with every Send.
func (v *Value[T]) Snapshot() (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.version
}

// Changed returns a channel that is closed by the next Send
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}
