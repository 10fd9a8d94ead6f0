package cache

import (
	"strings"
	"sync"
	"time"
)

// Result tags a read so responses can report whether the store was queried.
type Result string

const (
	Hit  Result = "HIT"
	Miss Result = "MISS"
)

// Key namespaces shared by writers and invalidators.
const (
	RequestsPrefix      = "requests:"
	ProviderStatsPrefix = "provider:stats:"
)

func ProviderStatsKey(phone string) string { return ProviderStatsPrefix + phone }

// Cache is a small in-memory TTL cache for derived reads. One instance is
// built per process and handed to every component that reads or invalidates.
type Cache struct {
	mu    sync.RWMutex
	store map[string]entry
	now   func() time.Time
}

type entry struct {
	v      any
	expiry time.Time
}

func New() *Cache {
	return &Cache{store: make(map[string]entry), now: time.Now}
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiry) {
		c.mu.Lock()
		if cur, ok := c.store[key]; ok && cur.expiry == e.expiry {
			delete(c.store, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores v under key for ttl.
func (c *Cache) Set(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	c.store[key] = entry{v: v, expiry: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Clear drops key if it is an exact entry, otherwise every key containing it.
// An empty pattern empties the cache. It returns how many entries went away.
func (c *Cache) Clear(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pattern == "" {
		n := len(c.store)
		c.store = make(map[string]entry)
		return n
	}
	if _, ok := c.store[pattern]; ok {
		delete(c.store, pattern)
		return 1
	}
	n := 0
	for k := range c.store {
		if strings.Contains(k, pattern) {
			delete(c.store, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
