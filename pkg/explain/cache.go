package explain

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a generated explanation stays servable.
// Explanations of notation do not go stale quickly; the original backend
// kept them for a month.
const DefaultCacheTTL = 30 * 24 * time.Hour

// Cache stores generated explanations by content key.
type Cache interface {
	// Get retrieves a cached explanation.
	// Returns the explanation and true if found, nil and false otherwise.
	Get(key string) (*Explanation, bool)

	// Set stores an explanation under key, replacing any previous entry.
	Set(key string, exp *Explanation)

	// Clear removes all entries from the cache.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopCache is a cache implementation that does nothing.
// Used when caching is disabled.
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*Explanation, bool) { return nil, false }

func (c *NoopCache) Set(_ string, _ *Explanation) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats { return CacheStats{} }

// cacheEntry wraps a cached value with expiration time and access time for LRU.
type cacheEntry struct {
	value      *Explanation
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreaker when access times are equal
}

// MemoryCache implements Cache with an in-memory LRU map and a fixed TTL
// counted from insertion. A hit does not extend the expiration; it only
// refreshes the entry's LRU position.
type MemoryCache struct {
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewMemoryCache creates a memory cache holding at most maxEntries
// explanations for ttl each. Non-positive arguments fall back to 10000
// entries and DefaultCacheTTL.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(key string) (*Explanation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.expiration) {
		c.misses++
		return nil, false
	}

	entry.accessTime = c.now()
	c.hits++

	// Return a copy to prevent external modifications.
	exp := *entry.value
	return &exp, true
}

func (c *MemoryCache) Set(key string, exp *Explanation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	_, exists := c.entries[key]

	// Evict the least recently used entry if at capacity.
	if len(c.entries) >= c.maxEntries && !exists {
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for k, entry := range c.entries {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = k
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	stored := *exp
	seq := c.sequence
	c.sequence++
	c.entries[key] = &cacheEntry{
		value:      &stored,
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   seq,
	}
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
