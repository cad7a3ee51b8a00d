// Package store provides the number twin's in-memory state: a generic
// thread-safe keyed collection, a simulated clock, and the rental ledger
// built on them.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collection is a thread-safe, insertion-ordered map of T keyed by id.
type Collection[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

// NewCollection creates an empty Collection.
func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{items: make(map[string]T)}
}

// NextID returns a fresh random id.
func (c *Collection[T]) NextID() string {
	return uuid.NewString()
}

// Set stores item under id. Overwriting keeps the original position.
func (c *Collection[T]) Set(id string, item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[id]; !exists {
		c.order = append(c.order, id)
	}
	c.items[id] = item
}

// Get returns the item stored under id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Update applies fn to the item under id while holding the write lock.
// An unknown id yields ErrNotFound; if fn fails the item is left unchanged.
func (c *Collection[T]) Update(id string, fn func(*T) error) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	if err := fn(&item); err != nil {
		return item, err
	}
	c.items[id] = item
	return item, nil
}

// List returns all items in insertion order.
func (c *Collection[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Filter returns items matching predicate, in insertion order.
func (c *Collection[T]) Filter(predicate func(id string, item T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, id := range c.order {
		if predicate(id, c.items[id]) {
			out = append(out, c.items[id])
		}
	}
	return out
}

// Count returns the number of items.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Reset removes every item.
func (c *Collection[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T)
	c.order = nil
}

// Snapshot returns a copy of all items.
func (c *Collection[T]) Snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// LoadSnapshot replaces all items. Ids are sorted for a deterministic order.
func (c *Collection[T]) LoadSnapshot(snapshot map[string]T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]T, len(snapshot))
	c.order = make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		c.items[k] = v
		c.order = append(c.order, k)
	}
	sort.Strings(c.order)
}

// Clock is a simulated clock: wall time plus an adjustable offset, so rental
// expiry and token lifetimes can be tested without waiting.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewClock creates a clock with no offset.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Advance moves the simulated time forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Reset sets the offset back to zero.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
}

// Offset returns the current offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
