// Package cache holds short-lived scrape results in memory.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Kinds of cached lookups. Each one namespaces its keys.
const (
	KindTitle  = "title"
	KindAuthor = "author"
	KindExact  = "exact"
	KindBook   = "book"
)

// Key builds a composite cache key so that different lookup kinds never
// collide on the same literal query.
func Key(kind string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(kind)
	for _, p := range parts {
		sb.WriteString("\x00")
		sb.WriteString(strings.TrimSpace(p))
	}
	return sb.String()
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache is a bounded TTL cache. When full it evicts the entry with the
// oldest insertion time (not LRU).
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]entry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// Option tweaks a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New[V any](ttl time.Duration, capacity int, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[V]{
		entries:  make(map[string]entry[V], capacity),
		ttl:      ttl,
		capacity: capacity,
		now:      o.now,
	}
}

// Get returns the value if present and not expired. Expired entries are
// removed on read.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key unconditionally and trims the cache back to
// capacity.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, insertedAt: c.now()}
	if len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.insertedAt.Before(oldest) {
			oldestKey = k
			oldest = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
