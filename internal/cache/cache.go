// Package cache provides a bounded TTL cache with least-recently-set
// eviction.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
	seq     uint64
}

// Cache maps keys to values that expire TTL after they were set. When full,
// Set evicts expired entries first and then the entry set longest ago.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	maxSize int
	ttl     time.Duration
	seq     uint64
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache holding at most maxSize entries for ttl each.
// maxSize <= 0 means 1000.
func New[V any](maxSize int, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     o.now,
	}
}

// Get returns the value for key if present and not expired. An entry is
// live up to and including its expiry instant.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.now().After(e.expires) {
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, resetting its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLocked(now)
	}
	c.seq++
	c.items[key] = &entry[V]{value: value, expires: now.Add(c.ttl), seq: c.seq}
}

// evictLocked drops expired entries, then the oldest set if still full.
func (c *Cache[V]) evictLocked(now time.Time) {
	for k, e := range c.items {
		if now.After(e.expires) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.maxSize {
		return
	}

	var (
		oldestKey string
		oldestSeq uint64
		found     bool
	)
	for k, e := range c.items {
		if !found || e.seq < oldestSeq {
			oldestKey, oldestSeq, found = k, e.seq, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until
// they are touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.mu.Unlock()
}
