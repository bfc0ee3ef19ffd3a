package geocode

import (
	"sync"
	"time"
)

// Cache is a small in-memory TTL cache for geocoding lookups.
type Cache[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{store: make(map[string]cacheEntry[V]), ttl: ttl, now: time.Now}
}

// Get returns the cached value and true if present and not expired.
func (c *Cache[V]) Get(k string) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.v, true
}

func (c *Cache[V]) Set(k string, v V) {
	c.mu.Lock()
	c.store[k] = cacheEntry[V]{v: v, ts: c.now()}
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
