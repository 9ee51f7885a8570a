package oui

import (
	"sync"
	"time"
)

// cacheEntry is either a positive result, a negative result, or a back-off marker
// for a prefix the service refused to answer for.
type cacheEntry struct {
	vendor     string
	negative   bool
	expires    time.Time
	retryAfter time.Time
	failures   int
}

type vendorCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newVendorCache() *vendorCache {
	return &vendorCache{
		entries: map[string]cacheEntry{},
	}
}

func (c *vendorCache) get(prefix string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[prefix]
	return e, ok
}

func (c *vendorCache) put(prefix string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[prefix] = e
}

func (c *vendorCache) snapshot() map[string]cacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]cacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
