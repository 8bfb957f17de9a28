// Package cache is a small in-process TTL cache with explicit invalidation.
package cache

import (
	"sync"
	"time"

	"horse.fit/scout/internal/globaltime"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache maps keys to values for ttl. A zero ttl keeps entries until they are
// invalidated.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     globaltime.Func
	entries map[K]entry[V]
	hits    int64
	misses  int64
	// gen moves on every invalidation, including of absent keys.
	gen uint64
}

func New[K comparable, V any](ttl time.Duration, now globaltime.Func) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		now:     globaltime.Or(now),
		entries: make(map[K]entry[V]),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.expired(e) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Cache[K, V]) setLocked(key K, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// Generation is read by loaders before they fetch from the backing store and
// handed to SetIfGeneration afterwards.
func (c *Cache[K, V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetIfGeneration stores value only when no invalidation happened since gen
// was read. It reports whether the value was stored.
func (c *Cache[K, V]) SetIfGeneration(key K, value V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setLocked(key, value)
	return true
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, key)
}

// InvalidateWhere drops every key match accepts and returns how many it
// dropped.
func (c *Cache[K, V]) InvalidateWhere(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[K]entry[V])
}

// Len counts live entries; expired ones are pruned on the way.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
		}
	}
	return len(c.entries)
}

func (c *Cache[K, V]) Stats() Stats {
	size := c.Len()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: size, Hits: c.hits, Misses: c.misses}
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}
