// Package consistent implements the lock-protected write-through cache:
// every mutation is serialized by a distributed lock, recorded in an
// append-only change log, and broadcast to peers so their L1 copies
// converge.
package consistent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

// Key prefixes.
const (
	keyPrefix       = "consistent:"
	changeLogPrefix = "change_log:"
	writeLockPrefix = "cache_write:"
	batchLockPrefix = "cache_batch:"
)

// Defaults.
const (
	DefaultTTL          = time.Hour
	DefaultLockTTL      = 30 * time.Second
	DefaultL1TTL        = 60 * time.Second
	DefaultChangeLogTTL = 24 * time.Hour
)

// ChangeType distinguishes change-log entries.
type ChangeType string

const (
	ChangeSet    ChangeType = "set"
	ChangeDelete ChangeType = "delete"
)

// ChangeEntry is one append-only change-log record, used for peer
// replay and consistency restoration.
type ChangeEntry struct {
	Type ChangeType `json:"type"`
	Key  string     `json:"key"`

	// Value holds the raw cached bytes. []byte keeps arbitrary
	// payloads JSON-encodable (base64) whether or not they are JSON
	// themselves.
	Value      []byte `json:"value,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	InstanceID string `json:"instance_id"`
}

// SyncEvent is the broadcast sent to peers on every mutation.
type SyncEvent struct {
	Type      ChangeType `json:"type"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value,omitempty"`
	Source    string     `json:"source"`
	Timestamp int64      `json:"timestamp"`
}

// Locker is the distributed-lock capability the cache needs.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration, opts ...coordinator.LockOptions) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
	InstanceID() string
}

// Broadcaster publishes sync events to peers.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, message any, opts queue.PublishOptions) error
}

// SetOptions tune a Set.
type SetOptions struct {
	// TTL for the stored value. Default: 1h.
	TTL time.Duration

	// LockKey, when non-empty, serializes the write under
	// cache_write:<LockKey>. A contended lock fails the write.
	LockKey string

	// UserID attributes the change for per-user replay.
	UserID string
}

// DeleteOptions mirror SetOptions for deletes.
type DeleteOptions struct {
	LockKey string
	UserID  string
}

// Operation is one entry in a Batch.
type Operation struct {
	Type  ChangeType
	Key   string
	Value []byte
	TTL   time.Duration
}

// Cache is the consistent cache facade.
type Cache struct {
	store *cache.Service
	locks Locker
	bus   Broadcaster

	ttl          time.Duration
	lockTTL      time.Duration
	l1TTL        time.Duration
	changeLogTTL time.Duration
}

// New creates a consistent cache over the shared cache service.
func New(store *cache.Service, locks Locker, bus Broadcaster) *Cache {
	return &Cache{
		store:        store,
		locks:        locks,
		bus:          bus,
		ttl:          DefaultTTL,
		lockTTL:      DefaultLockTTL,
		l1TTL:        DefaultL1TTL,
		changeLogTTL: DefaultChangeLogTTL,
	}
}

func fullKey(key string) string { return keyPrefix + key }

// Set writes key under its write lock (when requested), appends a
// change-log entry and broadcasts the change. Returns false when the
// lock could not be acquired.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}

	if opts.LockKey != "" {
		acquired, err := c.locks.AcquireLock(ctx, writeLockPrefix+opts.LockKey, c.lockTTL)
		if err != nil {
			return false, fmt.Errorf("consistent set %q: %w", key, err)
		}
		if !acquired {
			return false, nil
		}
		defer func() {
			if err := c.locks.ReleaseLock(ctx, writeLockPrefix+opts.LockKey); err != nil {
				logger.Warn("consistent cache lock release failed",
					logger.KeyCacheKey, key, logger.KeyError, err.Error())
			}
		}()
	}

	if err := c.apply(ctx, Operation{Type: ChangeSet, Key: key, Value: value, TTL: ttl}, opts.UserID); err != nil {
		return false, err
	}
	return true, nil
}

// Get reads key, L1 first unless opts skip it.
func (c *Cache) Get(ctx context.Context, key string, skipCache bool) ([]byte, bool, error) {
	return c.store.Get(ctx, fullKey(key), cache.Options{
		SkipL1:   skipCache,
		CacheTTL: c.l1TTL,
	})
}

// Delete removes key, symmetric to Set.
func (c *Cache) Delete(ctx context.Context, key string, opts DeleteOptions) (bool, error) {
	if opts.LockKey != "" {
		acquired, err := c.locks.AcquireLock(ctx, writeLockPrefix+opts.LockKey, c.lockTTL)
		if err != nil {
			return false, fmt.Errorf("consistent delete %q: %w", key, err)
		}
		if !acquired {
			return false, nil
		}
		defer func() {
			_ = c.locks.ReleaseLock(ctx, writeLockPrefix+opts.LockKey)
		}()
	}

	if err := c.apply(ctx, Operation{Type: ChangeDelete, Key: key}, opts.UserID); err != nil {
		return false, err
	}
	return true, nil
}

// Batch applies operations in order under one coarse batch lock.
// Returns false if the lock is contended or any operation fails.
func (c *Cache) Batch(ctx context.Context, ops []Operation) (bool, error) {
	lockName := fmt.Sprintf("%s%d", batchLockPrefix, time.Now().UnixMilli())
	acquired, err := c.locks.AcquireLock(ctx, lockName, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("consistent batch: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() { _ = c.locks.ReleaseLock(ctx, lockName) }()

	for i, op := range ops {
		if err := c.apply(ctx, op, ""); err != nil {
			return false, fmt.Errorf("consistent batch op %d: %w", i, err)
		}
	}
	return true, nil
}

// apply performs one mutation: L2, L1, change log, broadcast.
// Change-log and broadcast failures are logged, not surfaced.
func (c *Cache) apply(ctx context.Context, op Operation, userID string) error {
	key := fullKey(op.Key)
	now := time.Now().UnixMilli()

	switch op.Type {
	case ChangeSet:
		ttl := op.TTL
		if ttl <= 0 {
			ttl = c.ttl
		}
		if err := c.store.Set(ctx, key, op.Value, ttl, cache.Options{CacheTTL: c.l1TTL}); err != nil {
			return err
		}
	case ChangeDelete:
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	default:
		return fmt.Errorf("consistent: unknown operation %q", op.Type)
	}

	entry := ChangeEntry{
		Type:       op.Type,
		Key:        op.Key,
		Value:      op.Value,
		UserID:     userID,
		Timestamp:  now,
		InstanceID: c.locks.InstanceID(),
	}
	logKey := fmt.Sprintf("%s%d:%s", changeLogPrefix, now, op.Key)
	if err := c.store.SetJSON(ctx, logKey, &entry, c.changeLogTTL, cache.Options{SkipL1: true}); err != nil {
		logger.Warn("change log append failed",
			logger.KeyCacheKey, op.Key, logger.KeyError, err.Error())
	}

	event := SyncEvent{
		Type:      op.Type,
		Key:       op.Key,
		Value:     op.Value,
		Source:    c.locks.InstanceID(),
		Timestamp: now,
	}
	if err := c.bus.Publish(ctx, queue.TopicCacheSync, &event,
		queue.PublishOptions{Caller: "consistent-cache"}); err != nil {
		logger.Warn("cache change broadcast failed",
			logger.KeyCacheKey, op.Key, logger.KeyError, err.Error())
	}
	return nil
}

// HandleSyncEvent applies a peer's change to the local L1 only. Events
// originating from this instance are ignored.
func (c *Cache) HandleSyncEvent(event SyncEvent) {
	if event.Source == c.locks.InstanceID() {
		return
	}

	key := fullKey(event.Key)
	switch event.Type {
	case ChangeSet:
		c.store.L1().Set(key, event.Value, c.l1TTL)
	case ChangeDelete:
		c.store.L1().Delete(key)
	}
}

// RestoreConsistency replays a user's change log against L2 in
// timestamp order and clears L1 so readers re-fetch.
func (c *Cache) RestoreConsistency(ctx context.Context, userID string) error {
	keys, err := c.store.ListKeys(ctx, changeLogPrefix)
	if err != nil {
		return fmt.Errorf("restore consistency: %w", err)
	}

	var entries []ChangeEntry
	for _, key := range keys {
		var entry ChangeEntry
		found, err := c.store.GetJSON(ctx, key, &entry, cache.Options{SkipL1: true})
		if err != nil || !found {
			continue
		}
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })

	for _, entry := range entries {
		op := Operation{Type: entry.Type, Key: entry.Key, Value: entry.Value}
		key := fullKey(op.Key)
		switch op.Type {
		case ChangeSet:
			if err := c.store.Set(ctx, key, op.Value, c.ttl, cache.Options{SkipL1: true}); err != nil {
				return fmt.Errorf("restore %q: %w", op.Key, err)
			}
		case ChangeDelete:
			if err := c.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("restore %q: %w", op.Key, err)
			}
		}
	}

	// Force local readers back to L2.
	c.clearLocalPrefix()
	logger.Info("consistency restored", logger.KeyUserID, userID,
		"entries", len(entries))
	return nil
}

// clearLocalPrefix drops the derived L1 tier. L1 has no prefix scan,
// so the whole tier is cleared; entries refill on demand.
func (c *Cache) clearLocalPrefix() {
	c.store.L1().Clear()
}
