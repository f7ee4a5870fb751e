package filter

import (
	"sync"
)

// Table maps handles to engine instances. Handles increase monotonically
// from 1 and are never reused.
type Table[T any] struct {
	mu      sync.Mutex
	last    Handle
	entries map[Handle]T
}

// NewTable creates an empty handle table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[Handle]T)}
}

// Add registers v and returns its new handle.
func (t *Table[T]) Add(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last++
	t.entries[t.last] = v
	return t.last
}

// Get returns the instance for h.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[h]
	return v, ok
}

// Remove unregisters h and returns its instance.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return v, ok
}

// Len returns the number of live instances.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
