package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory builds an in-process score cache with lazy expiry. Entries are
// cloned on both store and lookup so callers never share indicator slices
// with the cache.
func NewMemory(ttl time.Duration) ScoreCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &memoryCache{ttl: ttl, entries: make(map[string]Entry)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	c.entries[key] = cloneEntry(entry)
	return nil
}

func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	return Entry{
		Result:    in.Result.Clone(),
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
}
