package coordinator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
)

// Default coordination intervals and TTLs.
const (
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultInstanceTimeout   = 15 * time.Minute
	DefaultLockTTL           = 60 * time.Second
	DefaultTaskLockTTL       = 10 * time.Minute
	DefaultLockMaxAttempts   = 3

	// activeSetCacheTTL bounds how long a computed active set is reused.
	activeSetCacheTTL = 5 * time.Second
)

// Metrics is the optional instrumentation hook.
type Metrics interface {
	LockAcquired(name string)
	LockContended(name string)
	LeaderChanged(leader bool)
}

// Config holds coordinator settings.
type Config struct {
	// InstanceURL is the externally reachable base URL of this instance,
	// published in the registry for the load balancer and peers.
	InstanceURL string

	// Region is an informational placement label.
	Region string

	// HeartbeatInterval is how often the instance record is refreshed.
	// Default: 5m. The record TTL is 3x this interval or InstanceTimeout,
	// whichever is larger.
	HeartbeatInterval time.Duration

	// InstanceTimeout is the active-set cutoff. Default: 15m.
	InstanceTimeout time.Duration

	// LockTTL is the default lock lifetime. Default: 60s.
	LockTTL time.Duration

	// TaskLockTTL is the lifetime of per-task locks. Default: 10m.
	TaskLockTTL time.Duration

	// LockMaxAttempts caps lock acquisition retries. Default: 3.
	LockMaxAttempts int

	// Metrics receives instrumentation callbacks. May be nil.
	Metrics Metrics
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InstanceTimeout <= 0 {
		c.InstanceTimeout = DefaultInstanceTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.TaskLockTTL <= 0 {
		c.TaskLockTTL = DefaultTaskLockTTL
	}
	if c.LockMaxAttempts <= 0 {
		c.LockMaxAttempts = DefaultLockMaxAttempts
	}
}

// Coordinator maintains this instance's registry entry and provides
// leader election and distributed locking to the rest of the node.
//
// One Coordinator exists per process; its instance id is stable for the
// process lifetime.
type Coordinator struct {
	id    string
	cache *cache.Service
	cfg   Config

	startedAt time.Time

	// Brief cache of the computed active set.
	activeMu     sync.Mutex
	activeSet    []InstanceRecord
	activeSetAge time.Time

	loopMu   sync.Mutex
	stopCh   chan struct{}
	loopDone sync.WaitGroup

	wasLeader bool
}

// New creates a coordinator with a fresh instance id.
func New(c *cache.Service, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		id:    uuid.NewString(),
		cache: c,
		cfg:   cfg,
	}
}

// InstanceID returns the stable id of this instance. Implements
// logger.InstanceIDProvider.
func (c *Coordinator) InstanceID() string { return c.id }

// instanceKey returns the registry key for an instance id.
func instanceKey(id string) string { return instanceKeyPrefix + id }

// recordTTL is the registry entry TTL: at least 3x the heartbeat
// interval so a missed beat does not mark the instance dead.
func (c *Coordinator) recordTTL() time.Duration {
	ttl := 3 * c.cfg.HeartbeatInterval
	if c.cfg.InstanceTimeout > ttl {
		ttl = c.cfg.InstanceTimeout
	}
	return ttl
}

// Start registers the instance and launches the heartbeat and leader
// watch loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startedAt = time.Now()
	if err := c.register(ctx); err != nil {
		return fmt.Errorf("coordinator start: %w", err)
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stopCh != nil {
		return nil // already started
	}
	c.stopCh = make(chan struct{})

	c.loopDone.Add(2)
	go c.heartbeatLoop(c.stopCh)
	go c.watchLoop(c.stopCh)

	logger.Info("instance registered",
		logger.KeyInstanceID, c.id, "url", c.cfg.InstanceURL, "region", c.cfg.Region)
	return nil
}

// Stop halts the background loops and removes the instance record so
// peers do not wait out the timeout.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.loopMu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.loopMu.Unlock()
	c.loopDone.Wait()

	if err := c.cache.Delete(ctx, instanceKey(c.id)); err != nil {
		return fmt.Errorf("coordinator stop: deregister: %w", err)
	}
	logger.Info("instance deregistered", logger.KeyInstanceID, c.id)
	return nil
}

// register writes a fresh instance record.
func (c *Coordinator) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	now := time.Now()
	rec := InstanceRecord{
		ID:            c.id,
		URL:           c.cfg.InstanceURL,
		Hostname:      hostname,
		Region:        c.cfg.Region,
		StartedAt:     c.startedAt,
		LastHeartbeat: now,
		Status:        StatusActive,
	}
	return c.cache.SetJSON(ctx, instanceKey(c.id), &rec, c.recordTTL(), cache.Options{})
}

// heartbeatLoop refreshes the instance record on the configured interval.
func (c *Coordinator) heartbeatLoop(stop <-chan struct{}) {
	defer c.loopDone.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.Heartbeat(ctx); err != nil {
				logger.Warn("heartbeat failed", logger.KeyError, err.Error())
			}
			cancel()
		}
	}
}

// Heartbeat re-reads the own record, re-registering if it vanished and
// refreshing the heartbeat timestamp otherwise.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	var rec InstanceRecord
	found, err := c.cache.GetJSON(ctx, instanceKey(c.id), &rec,
		cache.Options{SkipL1: true})
	if err != nil {
		return fmt.Errorf("heartbeat read: %w", err)
	}

	if !found {
		logger.Warn("own instance record missing, re-registering",
			logger.KeyInstanceID, c.id)
		return c.register(ctx)
	}

	rec.LastHeartbeat = time.Now()
	rec.Status = StatusActive
	return c.cache.SetJSON(ctx, instanceKey(c.id), &rec, c.recordTTL(), cache.Options{})
}

// watchLoop runs leader singleton duties each heartbeat interval.
func (c *Coordinator) watchLoop(stop <-chan struct{}) {
	defer c.loopDone.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			c.leaderCycle(ctx)
			cancel()
		}
	}
}

// leaderCycle checks leadership and, when leading, cleans up stale
// instance records.
func (c *Coordinator) leaderCycle(ctx context.Context) {
	leader, err := c.IsLeader(ctx)
	if err != nil {
		logger.Warn("leader check failed", logger.KeyError, err.Error())
		return
	}

	if leader != c.wasLeader {
		c.wasLeader = leader
		logger.Info("leadership changed", logger.KeyLeader, leader)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.LeaderChanged(leader)
		}
	}

	if !leader {
		return
	}
	if removed, err := c.CleanupStaleInstances(ctx); err != nil {
		logger.Warn("stale instance cleanup failed", logger.KeyError, err.Error())
	} else if removed > 0 {
		logger.Info("stale instances removed", "count", removed)
	}
}

// ActiveInstances returns the current active set, sorted by id. The set
// is cached briefly to bound registry reads.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	c.activeMu.Lock()
	if time.Since(c.activeSetAge) < activeSetCacheTTL && c.activeSet != nil {
		set := c.activeSet
		c.activeMu.Unlock()
		return set, nil
	}
	c.activeMu.Unlock()

	records, err := c.listInstances(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	active := records[:0]
	for _, rec := range records {
		if rec.Alive(now, c.cfg.InstanceTimeout) {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	c.activeMu.Lock()
	c.activeSet = active
	c.activeSetAge = time.Now()
	c.activeMu.Unlock()
	return active, nil
}

// listInstances fetches every registry record, skipping ones that
// vanished between list and fetch.
func (c *Coordinator) listInstances(ctx context.Context) ([]InstanceRecord, error) {
	keys, err := c.cache.ListKeys(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	records := make([]InstanceRecord, 0, len(keys))
	for _, key := range keys {
		var rec InstanceRecord
		found, err := c.cache.GetJSON(ctx, key, &rec, cache.Options{SkipL1: true})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		if found {
			records = append(records, rec)
		}
	}
	return records, nil
}

// IsLeader reports whether this instance has the smallest id in the
// active set. Ids are unique, so ties are impossible.
func (c *Coordinator) IsLeader(ctx context.Context) (bool, error) {
	active, err := c.ActiveInstances(ctx)
	if err != nil {
		return false, err
	}
	if len(active) == 0 {
		// Registry writes are eventually consistent; until our own
		// record is readable, nobody leads.
		return false, nil
	}
	return active[0].ID == c.id, nil
}

// CleanupStaleInstances deletes registry records whose heartbeat is
// older than twice the instance timeout. Leader-only duty; callers are
// expected to have checked IsLeader.
func (c *Coordinator) CleanupStaleInstances(ctx context.Context) (int, error) {
	records, err := c.listInstances(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-2 * c.cfg.InstanceTimeout)
	removed := 0
	for _, rec := range records {
		if rec.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := c.cache.Delete(ctx, instanceKey(rec.ID)); err != nil {
			logger.Warn("stale instance delete failed",
				logger.KeyInstanceID, rec.ID, logger.KeyError, err.Error())
			continue
		}
		removed++
	}
	return removed, nil
}

// DetectDeadInstances returns ids of registered instances that are no
// longer alive.
func (c *Coordinator) DetectDeadInstances(ctx context.Context) ([]string, error) {
	records, err := c.listInstances(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var dead []string
	for _, rec := range records {
		if !rec.Alive(now, c.cfg.InstanceTimeout) {
			dead = append(dead, rec.ID)
		}
	}
	return dead, nil
}

// RecoverOrphanedTask reassigns a task state entry owned by a dead
// instance to newOwner, refreshing its heartbeat timestamp so peers see
// the claim.
func (c *Coordinator) RecoverOrphanedTask(ctx context.Context, taskID, newOwner string) error {
	key := taskStatePrefix + taskID

	var state map[string]any
	found, err := c.cache.GetJSON(ctx, key, &state, cache.Options{SkipL1: true})
	if err != nil {
		return fmt.Errorf("recover task %s: %w", taskID, err)
	}
	if !found {
		return fmt.Errorf("recover task %s: %w", taskID, ErrNotFound)
	}

	state["instanceId"] = newOwner
	state["heartbeat"] = time.Now().UnixMilli()

	if err := c.cache.SetJSON(ctx, key, state, c.cfg.TaskLockTTL, cache.Options{}); err != nil {
		return fmt.Errorf("recover task %s: %w", taskID, err)
	}
	logger.Info("orphaned task recovered",
		logger.KeyTaskID, taskID, "new_owner", newOwner)
	return nil
}
