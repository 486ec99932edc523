package catalog

import (
	"sync"
	"time"
)

// cache holds definitions read during dispatch. Every authoring write
// invalidates it; a TTL of 0 disables expiry.
//
// A reader that misses remembers the generation returned by get and passes
// it to set, so a value loaded before an invalidation is never stored after
// it.
type cache[T any] struct {
	entries    map[string]cacheEntry[T]
	ttl        time.Duration
	generation uint64
	mu         sync.RWMutex
}

type cacheEntry[T any] struct {
	cachedAt time.Time
	value    T
}

func newCache[T any](ttl time.Duration) *cache[T] {
	return &cache[T]{entries: make(map[string]cacheEntry[T]), ttl: ttl}
}

func (c *cache[T]) get(key string) (T, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || (c.ttl > 0 && time.Since(e.cachedAt) > c.ttl) {
		var zero T
		return zero, c.generation, false
	}
	return e.value, c.generation, true
}

// set stores v unless the cache was invalidated since generation was read.
func (c *cache[T]) set(key string, generation uint64, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	c.entries[key] = cacheEntry[T]{value: v, cachedAt: time.Now()}
}

func (c *cache[T]) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	clear(c.entries)
}

func (c *cache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
