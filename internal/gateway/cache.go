package gateway

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value    any
	cachedAt time.Time
	ttl      time.Duration
}

// ttlCache is a process-local read cache with lazy TTL eviction. A
// periodic sweep (run by the Gateway) keeps memory bounded; it is not
// needed for correctness.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache(now func() time.Time) *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry), now: now}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.cachedAt) > e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *ttlCache) set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, cachedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

func (c *ttlCache) sweep() {
	now := c.now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.Sub(e.cachedAt) > e.ttl {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *ttlCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
