// Package dedup caches responses to recently processed requests keyed
// by the request's canonical fingerprint. A retried request inside the
// window gets the stored response back instead of a second execution.
package dedup

import (
	"sync"
	"time"
)

type entry struct {
	response []byte
	storedAt time.Time
}

// Cache is a TTL keyed response store. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Lookup returns the stored response for fingerprint if one exists and
// has not expired.
func (c *Cache) Lookup(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return e.response, true
}

// Store records the response for fingerprint and opportunistically
// evicts expired entries so the map does not grow without bound.
func (c *Cache) Store(fingerprint string, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[fingerprint] = entry{response: response, storedAt: now}
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
