package embedding

import (
	"sync"
	"time"
)

const (
	// DefaultCacheSize bounds the number of cached vectors
	DefaultCacheSize = 1000
	// DefaultCacheTTL is how long a cached vector stays valid
	DefaultCacheTTL = 30 * time.Minute
)

// cacheEntry holds one cached vector with its lifetime bounds
type cacheEntry struct {
	key       string
	vector    []float32
	createdAt time.Time
	expiresAt time.Time
}

// CacheStats reports cache effectiveness counters
type CacheStats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Cache is a process-local TTL- and capacity-bounded vector cache keyed by
// content fingerprint. Eviction at capacity is strictly oldest-insertion
// first; reads do not refresh an entry's position.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string // insertion order, oldest first
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    int64
	misses  int64
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithCacheSize overrides the default capacity
func WithCacheSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithCacheTTL overrides the default entry lifetime
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// withClock substitutes the time source for tests
func withClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache with default bounds
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		maxSize: DefaultCacheSize,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached vector for key, or nil and false when absent or
// expired. Expired entries are removed lazily.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.vector, true
}

// Set stores a vector under key. A zero ttl uses the cache default.
// At capacity the oldest-inserted entry is evicted first.
func (c *Cache) Set(key string, vector []float32, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	} else if len(c.entries) >= c.maxSize {
		// Evict by age of insertion, not recency of use
		for len(c.entries) >= c.maxSize && len(c.order) > 0 {
			c.removeLocked(c.order[0])
		}
	}

	now := c.now()
	c.entries[key] = &cacheEntry{
		key:       key,
		vector:    vector,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.order = append(c.order, key)
}

// Has reports whether key is present and unexpired
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(entry.expiresAt) {
		c.removeLocked(key)
		return false
	}
	return true
}

// Delete removes key if present
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

// Cleanup sweeps expired entries and returns how many were removed.
// The periodic schedule driving this lives with the process lifecycle,
// not inside the cache.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}
	return len(expired)
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and current size
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// removeLocked deletes key from the map and the insertion-order list.
// Caller holds the mutex.
func (c *Cache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
