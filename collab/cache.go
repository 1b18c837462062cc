package collab

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// ValidatedKeyCache caches a "validated" flag per RSA key fingerprint, so
// the slow primality-style validation performed when loading a key need not
// be repeated (spec §6 "Persisted state"; supplemented per SPEC_FULL.md §9,
// grounded on services_Cache.cpp). Entries expire after ttl regardless of
// the LRU's own eviction order.
type ValidatedKeyCache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
}

type cacheEntry struct {
	validated bool
	insertedAt time.Time
}

// NewValidatedKeyCache builds a cache holding up to maxEntries fingerprints,
// each expiring ttl after insertion.
func NewValidatedKeyCache(maxEntries int, ttl time.Duration) *ValidatedKeyCache {
	return &ValidatedKeyCache{
		lru: lru.New(maxEntries),
		ttl: ttl,
	}
}

// Put records whether the key with the given fingerprint validated
// successfully.
func (c *ValidatedKeyCache) Put(fingerprint string, validated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fingerprint, cacheEntry{validated: validated, insertedAt: time.Now()})
}

// Get returns the cached validation result, if present and not expired.
func (c *ValidatedKeyCache) Get(fingerprint string) (validated bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, found := c.lru.Get(fingerprint)
	if !found {
		return false, false
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && time.Since(entry.insertedAt) > c.ttl {
		c.lru.Remove(fingerprint)
		return false, false
	}
	return entry.validated, true
}
