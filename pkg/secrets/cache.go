package secrets

import (
	"sync"
	"time"
)

// resultCache holds resolved secrets for a TTL, bounded by a maximum
// size. Eviction removes the entry with the oldest createdAt first.
type resultCache struct {
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[string]*cacheEntry

	// now is replaceable in tests
	now func() time.Time
}

type cacheEntry struct {
	value        string
	provider     string
	source       string
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	return &resultCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// get returns a cloned result for ref if present and fresh.
func (c *resultCache) get(ref string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ref]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, ref)
		return nil, false
	}

	entry.accessCount++
	entry.lastAccessed = c.now()
	return &Result{
		Value:        entry.value,
		Provider:     entry.provider,
		Source:       entry.source,
		LastAccessed: entry.lastAccessed,
		AccessCount:  entry.accessCount,
		Cached:       true,
	}, true
}

// put stores a freshly resolved value, evicting the eldest entry when the
// cache is full.
func (c *resultCache) put(ref string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[ref]; !exists {
			c.evictEldestLocked()
		}
	}

	now := c.now()
	c.entries[ref] = &cacheEntry{
		value:        result.Value,
		provider:     result.Provider,
		source:       result.Source,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  result.AccessCount,
	}
}

// invalidate drops the entry for ref, if any.
func (c *resultCache) invalidate(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ref)
}

func (c *resultCache) evictEldestLocked() {
	var eldestRef string
	var eldestAt time.Time
	for ref, entry := range c.entries {
		if eldestRef == "" || entry.createdAt.Before(eldestAt) {
			eldestRef = ref
			eldestAt = entry.createdAt
		}
	}
	if eldestRef != "" {
		delete(c.entries, eldestRef)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
