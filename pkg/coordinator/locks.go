package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
)

// Sentinel errors for lock and recovery operations.
var (
	// ErrLockHeld means the lock is owned by another live instance.
	ErrLockHeld = errors.New("lock held by another instance")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// lockRetrySchedule is the back-off sequence between acquisition
// attempts. Attempt counts beyond the sequence keep the last interval.
var lockRetrySchedule = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// LockOptions tune a single acquisition.
type LockOptions struct {
	// MaxAttempts caps the number of acquisition attempts.
	// Default: Config.LockMaxAttempts.
	MaxAttempts int
}

// scheduleBackOff replays the fixed retry schedule. Implements
// backoff.BackOff so acquisition runs through backoff.Retry like every
// other retried operation in the node.
type scheduleBackOff struct {
	schedule []time.Duration
	next     int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.schedule) {
		return backoff.Stop
	}
	d := b.schedule[b.next]
	b.next++
	return d
}

func (b *scheduleBackOff) Reset() { b.next = 0 }

// retrySchedule sizes the back-off sequence to maxAttempts total
// attempts, repeating the longest interval once the fixed steps run
// out. MaxAttempts is honored exactly, however large.
func retrySchedule(maxAttempts int) []time.Duration {
	n := maxAttempts - 1
	if n < 0 {
		n = 0
	}
	if n <= len(lockRetrySchedule) {
		return lockRetrySchedule[:n]
	}
	s := make([]time.Duration, n)
	copy(s, lockRetrySchedule)
	last := lockRetrySchedule[len(lockRetrySchedule)-1]
	for i := len(lockRetrySchedule); i < n; i++ {
		s[i] = last
	}
	return s
}

func lockKey(name string) string { return lockKeyPrefix + name }

// AcquireLock attempts to take the named lock for ttl.
//
// The algorithm reads the lock record bypassing L1, refuses when a
// different live instance holds an unexpired lock, preempts when the
// recorded owner's instance record is absent, and verifies ownership
// with a follow-up read after writing (the L2 store is eventually
// consistent, so the write alone proves nothing).
//
// Returns (true, nil) when acquired, (false, nil) when the lock stayed
// contended through all attempts, and (false, err) on store failure.
func (c *Coordinator) AcquireLock(ctx context.Context, name string, ttl time.Duration, opts ...LockOptions) (bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	maxAttempts := c.cfg.LockMaxAttempts
	if len(opts) > 0 && opts[0].MaxAttempts > 0 {
		maxAttempts = opts[0].MaxAttempts
	}

	schedule := retrySchedule(maxAttempts)

	attempt := 0
	op := func() error {
		attempt++
		acquired, err := c.tryAcquire(ctx, name, ttl)
		if err != nil {
			// Store errors abort; only contention retries.
			return backoff.Permanent(err)
		}
		if !acquired {
			return ErrLockHeld
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(&scheduleBackOff{schedule: schedule}, ctx))
	if err == nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.LockAcquired(name)
		}
		logger.Debug("lock acquired",
			logger.KeyLockName, name, logger.KeyAttempt, attempt)
		return true, nil
	}
	if errors.Is(err, ErrLockHeld) {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.LockContended(name)
		}
		return false, nil
	}
	return false, err
}

// tryAcquire performs one acquisition round.
func (c *Coordinator) tryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := lockKey(name)

	var existing LockRecord
	found, err := c.cache.GetJSON(ctx, key, &existing, cache.Options{SkipL1: true})
	if err != nil {
		return false, fmt.Errorf("lock read %q: %w", name, err)
	}

	if found && existing.InstanceID != c.id && !existing.Expired(time.Now()) {
		// Held by someone else; only preempt if the owner is gone.
		ownerAlive, err := c.instanceExists(ctx, existing.InstanceID)
		if err != nil {
			return false, fmt.Errorf("lock owner check %q: %w", name, err)
		}
		if ownerAlive {
			return false, nil
		}
		logger.Warn("preempting lock from dead instance",
			logger.KeyLockName, name, "owner", existing.InstanceID)
	}

	rec := LockRecord{
		InstanceID: c.id,
		AcquiredAt: time.Now(),
		TTLSeconds: int(ttl.Seconds()),
	}
	if err := c.cache.SetJSON(ctx, key, &rec, ttl, cache.Options{SkipL1: true}); err != nil {
		return false, fmt.Errorf("lock write %q: %w", name, err)
	}

	// Verify: another instance may have won the race on an eventually
	// consistent store.
	var verify LockRecord
	found, err = c.cache.GetJSON(ctx, key, &verify, cache.Options{SkipL1: true})
	if err != nil {
		return false, fmt.Errorf("lock verify %q: %w", name, err)
	}
	return found && verify.InstanceID == c.id, nil
}

// instanceExists reports whether an instance record is present.
func (c *Coordinator) instanceExists(ctx context.Context, id string) (bool, error) {
	var rec InstanceRecord
	return c.cache.GetJSON(ctx, instanceKey(id), &rec, cache.Options{SkipL1: true})
}

// ReleaseLock removes the named lock only if this instance owns it.
// Releasing a lock held by someone else (or nobody) is a no-op.
func (c *Coordinator) ReleaseLock(ctx context.Context, name string) error {
	key := lockKey(name)

	var rec LockRecord
	found, err := c.cache.GetJSON(ctx, key, &rec, cache.Options{SkipL1: true})
	if err != nil {
		return fmt.Errorf("lock release read %q: %w", name, err)
	}
	if !found || rec.InstanceID != c.id {
		return nil
	}

	if err := c.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("lock release %q: %w", name, err)
	}
	logger.Debug("lock released", logger.KeyLockName, name)
	return nil
}

// HasLock reports whether a fresh read shows this instance as owner.
//
// A transient store failure is surfaced as an error, never as lock
// loss; callers decide how to react.
func (c *Coordinator) HasLock(ctx context.Context, name string) (bool, error) {
	var rec LockRecord
	found, err := c.cache.GetJSON(ctx, lockKey(name), &rec, cache.Options{SkipL1: true})
	if err != nil {
		return false, fmt.Errorf("lock check %q: %w", name, err)
	}
	return found && rec.InstanceID == c.id && !rec.Expired(time.Now()), nil
}

// RefreshLock re-arms the TTL on a lock this instance owns.
func (c *Coordinator) RefreshLock(ctx context.Context, name string, ttl time.Duration) error {
	owned, err := c.HasLock(ctx, name)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("refresh %q: %w", name, ErrLockHeld)
	}
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	rec := LockRecord{
		InstanceID: c.id,
		AcquiredAt: time.Now(),
		TTLSeconds: int(ttl.Seconds()),
	}
	return c.cache.SetJSON(ctx, lockKey(name), &rec, ttl, cache.Options{SkipL1: true})
}

// AcquireTaskLock takes the per-task lock with the longer task TTL.
func (c *Coordinator) AcquireTaskLock(ctx context.Context, taskID string) (bool, error) {
	return c.AcquireLock(ctx, taskLockPrefix+taskID, c.cfg.TaskLockTTL)
}

// ReleaseTaskLock releases the per-task lock.
func (c *Coordinator) ReleaseTaskLock(ctx context.Context, taskID string) error {
	return c.ReleaseLock(ctx, taskLockPrefix+taskID)
}
