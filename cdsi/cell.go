package cdsi

import "sync"

// Cell is a value guarded by a mutex held only for the duration of a read,
// a write or an in-memory update. Never perform I/O inside Update.
type Cell[T any] struct {
	mu sync.Mutex
	v  T
}

func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{v: v}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
}

// Swap stores v and returns the previous value.
func (c *Cell[T]) Swap(v T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.v
	c.v = v
	return old
}

func (c *Cell[T]) Update(fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.v)
}
