package vad

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long span results are reused for the same audio.
const DefaultCacheTTL = 24 * time.Hour

type cacheEntry struct {
	spans   []Span
	expires time.Time
}

// Cache memoizes span detection per file path and content.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// Get returns cached spans for key if present and fresh.
func (c *Cache) Get(key string) ([]Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return append([]Span(nil), e.spans...), true
}

// Set stores spans for key and evicts expired entries.
func (c *Cache) Set(key string, spans []Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{spans: append([]Span(nil), spans...), expires: now.Add(c.ttl)}
}
