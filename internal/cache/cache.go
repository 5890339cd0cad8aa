// Package cache provides a generic in-memory TTL cache, used for
// derived documents that change only on schema reload, like tilejson
// descriptors. Thread-safe via sync.RWMutex.
//
// Not intended for row data; result sets are streamed, never cached.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is the default time-to-live for cache entries (30 seconds).
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries is the default maximum number of cache entries.
const DefaultMaxEntries = 1000

// Options configures a Cache instance.
type Options struct {
	// TTL is the time-to-live for each entry. Zero uses DefaultTTL.
	TTL time.Duration

	// MaxEntries is the maximum number of entries before eviction. Zero
	// uses DefaultMaxEntries.
	MaxEntries int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time

	// seq orders entries by insertion for eviction; an overwrite keeps
	// the original position.
	seq uint64
}

// Cache is a generic in-memory cache with TTL expiration. When full,
// expired entries are dropped first, then the oldest insertion.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	nextSeq    uint64
	ttl        time.Duration
	maxEntries int
}

// New creates a Cache with the given options.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves a value by key. Expired entries are removed lazily and
// report a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set adds or updates a cache entry, evicting to stay within capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().Add(c.ttl)
	if old, ok := c.entries[key]; ok {
		c.entries[key] = entry[V]{value: value, expiresAt: expires, seq: old.seq}
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.cleanExpiredLocked()
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = entry[V]{value: value, expiresAt: expires, seq: c.nextSeq}
	c.nextSeq++
}

// Delete removes a single entry by key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len returns the number of entries currently held, expired ones
// included until their lazy removal.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL returns the configured time-to-live.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// MaxEntries returns the configured capacity.
func (c *Cache[K, V]) MaxEntries() int { return c.maxEntries }

func (c *Cache[K, V]) cleanExpiredLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache[K, V]) evictOldestLocked() {
	var oldest K
	found := false
	var min uint64
	for k, e := range c.entries {
		if !found || e.seq < min {
			oldest, min, found = k, e.seq, true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}
