// Package ring provides a generic fixed-capacity ring buffer. It backs the
// control channel's disconnected-event buffer and the client's offline
// command queue, both of which drop the oldest entry on overflow.
package ring

import "sync"

// Buffer is a thread-safe ring buffer holding at most capacity items.
// Adding to a full buffer overwrites the oldest item.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	head     int // next write position
	size     int
}

// New creates a ring buffer with the given capacity. Capacity must be
// positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be greater than zero")
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add inserts an item. If the buffer is full the oldest item is evicted and
// returned with ok=true.
func (b *Buffer[T]) Add(item T) (evicted T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == b.capacity {
		evicted, ok = b.items[b.head], true
	}
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	return evicted, ok
}

// Drain returns all items oldest-first and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.snapshotLocked()
	b.head = 0
	b.size = 0
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	return out
}

// Items returns a copy of all items oldest-first without consuming them.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Buffer[T]) snapshotLocked() []T {
	if b.size == 0 {
		return nil
	}
	out := make([]T, b.size)
	if b.size < b.capacity {
		copy(out, b.items[:b.size])
	} else {
		n := copy(out, b.items[b.head:])
		copy(out[n:], b.items[:b.head])
	}
	return out
}

// Size returns the number of buffered items.
func (b *Buffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the fixed capacity.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}
