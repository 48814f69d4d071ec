package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	expiration time.Time
}

// SimpleCache is a thread-safe in-memory cache with TTL. The server uses it
// for client lookups, which are immutable after registration.
type SimpleCache[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// New creates a new cache instance.
func New[V any]() *SimpleCache[V] {
	return &SimpleCache[V]{
		items: make(map[string]entry[V]),
	}
}

// Get retrieves a value from cache if it exists and hasn't expired.
func (c *SimpleCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || time.Now().After(item.expiration) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores a value in cache with the given TTL.
func (c *SimpleCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
}

// Delete removes a key from cache.
func (c *SimpleCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Clear removes all entries from cache.
func (c *SimpleCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]entry[V])
}
