package marketdata

import (
	"sync"
	"time"
)

// CacheStats counts hits and misses for the monitoring payload.
type CacheStats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// TTLCache is the process-local per-method cache. Expired entries are kept so
// they can be served with a stale marker when every provider fails.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	stats   CacheStats
	now     func() time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{entries: make(map[string]cacheEntry), now: time.Now}
}

// Get returns a fresh value, or (nil, false).
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return entry.value, true
}

// GetStale returns an expired value if one is retained.
func (c *TTLCache) GetStale(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.stats.StaleServes++
	return entry.value, true
}

// Set stores a value with the given TTL.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Stats returns a copy of the counters.
func (c *TTLCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Prune drops entries expired for longer than retain.
func (c *TTLCache) Prune(retain time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-retain)
	for key, entry := range c.entries {
		if entry.expiresAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
