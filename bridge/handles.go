package bridge

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidHandle = errors.New("invalid handle")

// Handle refers to an entry of a HandleTable. Zero is never issued.
type Handle uint64

// HandleTable maps handles to values. Handles are not reused.
type HandleTable[T any] struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]T
}

func NewHandleTable[T any]() *HandleTable[T] {
	return &HandleTable[T]{entries: make(map[Handle]T)}
}

func (t *HandleTable[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = v
	return t.next
}

func (t *HandleTable[T]) Get(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return v, nil
}

// Remove deletes the entry and returns its value. Removing twice fails.
func (t *HandleTable[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	delete(t.entries, h)
	return v, nil
}

func (t *HandleTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
