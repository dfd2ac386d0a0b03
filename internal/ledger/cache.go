package ledger

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a ledger read is served from cache.
const DefaultCacheTTL = 10 * time.Minute

// Cache stores raw readCrime payloads by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewMemoryCache creates a MemoryCache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired() {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

// Evict removes expired entries and reports how many were dropped.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, including expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
