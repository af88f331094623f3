package cache

import (
	"sync"
	"time"

	"studio-core/internal/studio/domain/model"
)

// DefaultTTL is how long a cached read stays fresh.
const DefaultTTL = 30 * time.Second

// Entry is a cached read result and the time it was captured.
type Entry struct {
	Data      interface{}
	Timestamp time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// ResultCache keeps read results for a fixed TTL. Stale entries are not
// evicted in place; they stop being served and get overwritten by the next
// successful fetch.
//
// Put has last-writer-wins semantics per key with no version check: a slow
// fetch that completes after a newer one overwrites it with older data until
// the next invalidation or TTL expiry.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[model.CacheKey]Entry
	ttl     time.Duration
	now     func() time.Time

	hits   uint64
	misses uint64
}

// Option customises a ResultCache.
type Option func(*ResultCache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a cache with the given TTL; a non-positive ttl means DefaultTTL.
func New(ttl time.Duration, opts ...Option) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &ResultCache{
		entries: make(map[model.CacheKey]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry stored under key, fresh or not.
func (c *ResultCache) Get(key model.CacheKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Lookup returns the data under key only when the entry is fresh.
func (c *ResultCache) Lookup(key model.CacheKey) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.fresh(e) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.Data, true
}

// Put stores data under key stamped with the current time.
func (c *ResultCache) Put(key model.CacheKey, data interface{}) {
	c.mu.Lock()
	c.entries[key] = Entry{Data: data, Timestamp: c.now()}
	c.mu.Unlock()
}

// Invalidate removes a single entry.
func (c *ResultCache) Invalidate(key model.CacheKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll clears every entry.
func (c *ResultCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[model.CacheKey]Entry)
	c.mu.Unlock()
}

// InvalidateCollection removes the entries that depend on coll and returns
// how many were dropped.
func (c *ResultCache) InvalidateCollection(coll model.Collection) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key := range c.entries {
		if key.DependsOn(coll) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// IsFresh reports whether now - entry.Timestamp < TTL.
func (c *ResultCache) IsFresh(e Entry) bool {
	return c.fresh(e)
}

func (c *ResultCache) fresh(e Entry) bool {
	return c.now().Sub(e.Timestamp) < c.ttl
}

// Len returns the number of stored entries, stale ones included.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and the entry count.
func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}
