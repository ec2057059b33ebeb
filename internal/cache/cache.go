// Package cache provides the in-process and Redis caches used by skua.
//
// The generic Cache holds slow-changing lookups in memory, primarily
// datasource schema snapshots, which are expensive to introspect but stable
// between deploys. Run results are cached in Redis instead (see ResultCache)
// because they must survive API restarts and be shared across replicas.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL is applied when Options.TTL is zero. Schema snapshots go stale
// slowly, so a minute keeps introspection load near zero without hiding new
// tables for long.
const DefaultTTL = time.Minute

// DefaultMaxEntries is applied when Options.MaxEntries is zero.
const DefaultMaxEntries = 1000

// Options configures a Cache instance.
type Options struct {
	// TTL is the time-to-live for each entry. Zero uses DefaultTTL.
	TTL time.Duration

	// MaxEntries caps the cache before the oldest entry is evicted. Zero
	// uses DefaultMaxEntries.
	MaxEntries int
}

type item[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is a generic in-memory cache with TTL expiration and oldest-first
// eviction at capacity. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	index      map[K]*list.Element
	order      *list.List // front = oldest inserted
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
		index:      make(map[K]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the value for key when present and not expired. Expired
// entries are dropped on access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	it := el.Value.(*item[K, V])
	if time.Now().After(it.expiresAt) {
		c.removeLocked(el)
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value under key, restarting its TTL. Updating an existing key
// keeps its place in the eviction order; new keys at capacity first push out
// expired entries, then the oldest live one.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if el, ok := c.index[key]; ok {
		it := el.Value.(*item[K, V])
		it.value = value
		it.expiresAt = expiresAt
		return
	}

	if c.order.Len() >= c.maxEntries {
		c.dropExpiredLocked()
	}
	if c.order.Len() >= c.maxEntries {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	el := c.order.PushBack(&item[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.index[key] = el
}

// Delete removes key. Missing keys are a no-op.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[K]*list.Element)
	c.order.Init()
}

// Len reports the number of stored entries, counting expired ones that have
// not been touched since expiring.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	it := el.Value.(*item[K, V])
	delete(c.index, it.key)
	c.order.Remove(el)
}

func (c *Cache[K, V]) dropExpiredLocked() {
	now := time.Now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*item[K, V]).expiresAt) {
			c.removeLocked(el)
		}
		el = next
	}
}
