// Package cache provides the bounded LRU caches with TTL that sit in front
// of the indexed store.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats are the observability counters of one cache instance.
type Stats struct {
	Name      string  `json:"name"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// LRU is a size-bounded, TTL-expiring cache. All operations on one instance
// are serialized under a single lock. Expiry is checked on access; no
// background sweeper runs, so an untouched expired entry stays until it is
// read or pushed out by capacity.
type LRU[K comparable, V any] struct {
	name     string
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lru       *lru.Cache[K, entry[V]]
	hits      uint64
	misses    uint64
	sets      uint64
	evictions uint64
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New creates a cache holding at most size entries, each for at most ttl.
// A ttl of zero never expires entries.
func New[K comparable, V any](name string, size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 512
	}
	// only errors on a non-positive size
	l, _ := lru.New[K, entry[V]](size)
	return &LRU[K, V]{
		name:     name,
		capacity: size,
		ttl:      ttl,
		now:      time.Now,
		lru:      l,
	}
}

// Get returns the cached value. An expired entry counts as a miss and an
// eviction.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if ok && (c.ttl <= 0 || c.now().Before(e.expires)) {
		c.hits++
		return e.value, true
	}
	c.misses++
	if ok {
		c.lru.Remove(key)
		c.evictions++
	}
	var zero V
	return zero, false
}

// Set inserts or refreshes an entry, evicting the least recently used one
// when full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	if c.lru.Add(key, e) {
		c.evictions++
	}
}

// Remove drops one entry.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Purge drops every entry. Counters are kept.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of entries, expired ones included until they are
// touched.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Name:      c.name,
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}
