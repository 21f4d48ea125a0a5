// Package cache implements the two-tier cache: a TTL-bounded in-process
// L1 map and a Service composing L1 with an external L2 provider pair,
// including write-through, write suppression, sticky fail-over, and a
// recovery probe.
package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// l1Entry is a single cached value with its expiry deadline.
type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// expired reports whether the entry is past its deadline.
// A zero deadline means no expiry.
func (e l1Entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// L1 is the in-process cache tier.
//
// Eviction is lazy: a Get on an expired entry removes it and reports a
// miss. There is no background sweep; the keyspace is small and derived,
// so expired entries are reclaimed as they are touched or on Clear.
//
// Thread Safety: safe for concurrent use.
type L1 struct {
	mu      sync.RWMutex
	entries map[string]l1Entry
	group   singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// NewL1 creates an empty L1 cache.
func NewL1() *L1 {
	return &L1{
		entries: make(map[string]l1Entry),
		now:     time.Now,
	}
}

// Set stores value under key with the given TTL. A zero TTL means the
// entry never expires locally.
func (c *L1) Set(key string, value []byte, ttl time.Duration) {
	e := l1Entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Get returns the value for key, or (nil, false) on a miss. Expired
// entries are removed on access.
func (c *L1) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, ok := c.entries[key]; ok && cur.expired(c.now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes key.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *L1) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]l1Entry)
	c.mu.Unlock()
}

// Size returns the number of entries, including not-yet-collected
// expired ones.
func (c *L1) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrSet returns the cached value for key, or runs loader to produce
// it. Concurrent loaders for the same key are serialized: only one
// loader runs, the rest share its result.
func (c *L1) GetOrSet(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the key while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, loaded, ttl)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// IsUnchanged reports whether key holds exactly value and the entry has
// not expired. Used by the write path to suppress redundant L2 writes.
func (c *L1) IsUnchanged(key string, value []byte) bool {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		return false
	}
	return bytes.Equal(e.value, value)
}
