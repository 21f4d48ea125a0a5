// Package statesync keeps per-(user,type) state converged across
// instances. Peers publish snapshots and a periodic merge applies
// latest-timestamp-wins; subscribers are notified of inbound changes.
package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/consistent"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

// Key prefixes and well-known identifiers.
const (
	stateKeyPrefix = "state:"
	syncKeyPrefix  = "sync:"
	syncLockPrefix = "sync_state:"

	// SystemUser owns task-scoped state entries.
	SystemUser = "system"

	activeUsersKey = "active_users"
)

// Defaults.
const (
	DefaultSyncInterval = 5 * time.Second
	DefaultStateTTL     = time.Hour
	DefaultSnapshotTTL  = 300 * time.Second
	syncLockTTL         = 30 * time.Second
)

// WellKnownTypes are the state types the periodic sync covers for every
// active user.
var WellKnownTypes = []string{"preferences", "session", "progress"}

// StateRecord is an opaque value with its merge timestamp.
type StateRecord struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// Event is the state_sync topic payload.
type Event struct {
	UserID    string      `json:"user_id"`
	Type      string      `json:"type"`
	State     StateRecord `json:"state"`
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
}

// Callback receives inbound state events for a subscribed type.
type Callback func(userID string, state StateRecord, event Event)

// Config tunes the synchronizer.
type Config struct {
	// SyncInterval is the periodic sync cadence. Default: 5s.
	SyncInterval time.Duration

	// StateTTL bounds authoritative state entries. Default: 1h.
	StateTTL time.Duration

	// SnapshotTTL bounds per-peer sync snapshots. Default: 300s.
	SnapshotTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
}

// Synchronizer is the state synchronization service.
type Synchronizer struct {
	store *cache.Service
	locks consistent.Locker
	bus   consistent.Broadcaster
	cfg   Config

	subsMu sync.RWMutex
	subs   map[string]map[string]Callback // type -> subscription id -> cb

	loopMu   sync.Mutex
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New creates a synchronizer.
func New(store *cache.Service, locks consistent.Locker, bus consistent.Broadcaster, cfg Config) *Synchronizer {
	cfg.applyDefaults()
	return &Synchronizer{
		store: store,
		locks: locks,
		bus:   bus,
		cfg:   cfg,
		subs:  make(map[string]map[string]Callback),
	}
}

func stateKey(userID, typ string) string {
	return stateKeyPrefix + userID + ":" + typ
}

func syncKey(userID, typ, instanceID string) string {
	return syncKeyPrefix + userID + ":" + typ + ":" + instanceID
}

// Start launches the periodic sync loop.
func (s *Synchronizer) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.syncLoop(s.stopCh, s.loopDone)
}

// Stop halts the periodic sync loop.
func (s *Synchronizer) Stop() {
	s.loopMu.Lock()
	stop, done := s.stopCh, s.loopDone
	s.stopCh = nil
	s.loopMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Synchronizer) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncInterval)
			s.syncActiveUsers(ctx)
			cancel()
		}
	}
}

// syncActiveUsers runs one periodic pass over active users and
// well-known types.
func (s *Synchronizer) syncActiveUsers(ctx context.Context) {
	var users []string
	found, err := s.store.GetJSON(ctx, activeUsersKey, &users, cache.Options{})
	if err != nil || !found {
		return
	}

	for _, user := range users {
		for _, typ := range WellKnownTypes {
			if _, err := s.SyncUserState(ctx, user, typ); err != nil {
				logger.Debug("periodic sync failed",
					logger.KeyUserID, user, "type", typ, logger.KeyError, err.Error())
			}
		}
	}
}

// SyncUserState merges this user's state with every peer snapshot under
// the sync lock. Latest timestamp wins; ties keep the local value.
// Returns false when the lock was contended or the merge failed.
func (s *Synchronizer) SyncUserState(ctx context.Context, userID, typ string) (bool, error) {
	lockName := syncLockPrefix + userID + ":" + typ
	acquired, err := s.locks.AcquireLock(ctx, lockName, syncLockTTL)
	if err != nil {
		return false, fmt.Errorf("sync %s/%s: %w", userID, typ, err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if err := s.locks.ReleaseLock(ctx, lockName); err != nil {
			logger.Warn("sync lock release failed",
				logger.KeyUserID, userID, logger.KeyError, err.Error())
		}
	}()

	merged, err := s.merge(ctx, userID, typ)
	if err != nil {
		return false, err
	}
	if merged == nil {
		return true, nil // nothing known anywhere
	}

	if err := s.store.SetJSON(ctx, stateKey(userID, typ), merged, s.cfg.StateTTL, cache.Options{}); err != nil {
		return false, fmt.Errorf("sync write %s/%s: %w", userID, typ, err)
	}
	s.broadcast(ctx, userID, typ, *merged)
	return true, nil
}

// merge reads the authoritative state and all peer snapshots and
// returns the winner.
func (s *Synchronizer) merge(ctx context.Context, userID, typ string) (*StateRecord, error) {
	var local StateRecord
	haveLocal, err := s.store.GetJSON(ctx, stateKey(userID, typ), &local,
		cache.Options{SkipL1: true})
	if err != nil {
		return nil, fmt.Errorf("sync read %s/%s: %w", userID, typ, err)
	}

	keys, err := s.store.ListKeys(ctx, syncKeyPrefix+userID+":"+typ+":")
	if err != nil {
		return nil, fmt.Errorf("sync list %s/%s: %w", userID, typ, err)
	}

	best := local
	haveBest := haveLocal
	for _, key := range keys {
		var snap StateRecord
		found, err := s.store.GetJSON(ctx, key, &snap, cache.Options{SkipL1: true})
		if err != nil || !found {
			continue
		}
		// Strictly newer wins; a tie keeps what we already hold.
		if !haveBest || snap.Timestamp > best.Timestamp {
			best = snap
			haveBest = true
		}
	}

	if !haveBest {
		return nil, nil
	}
	return &best, nil
}

// PublishStateChange broadcasts a state change and records this
// instance's snapshot for peers to merge.
func (s *Synchronizer) PublishStateChange(ctx context.Context, userID, typ string, state StateRecord) error {
	if err := s.store.SetJSON(ctx, syncKey(userID, typ, s.locks.InstanceID()), &state,
		s.cfg.SnapshotTTL, cache.Options{SkipL1: true}); err != nil {
		return fmt.Errorf("publish snapshot %s/%s: %w", userID, typ, err)
	}
	s.broadcast(ctx, userID, typ, state)
	return nil
}

// broadcast emits a state_sync event. Best effort.
func (s *Synchronizer) broadcast(ctx context.Context, userID, typ string, state StateRecord) {
	event := Event{
		UserID:    userID,
		Type:      typ,
		State:     state,
		Source:    s.locks.InstanceID(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.bus.Publish(ctx, queue.TopicStateSync, &event,
		queue.PublishOptions{Caller: "state-sync"}); err != nil {
		logger.Warn("state change broadcast failed",
			logger.KeyUserID, userID, "type", typ, logger.KeyError, err.Error())
	}
}

// Subscribe registers a callback for a state type and returns the
// subscription id.
func (s *Synchronizer) Subscribe(typ string, cb Callback) string {
	id := uuid.NewString()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs[typ] == nil {
		s.subs[typ] = make(map[string]Callback)
	}
	s.subs[typ][id] = cb
	return id
}

// Unsubscribe removes a subscription by id.
func (s *Synchronizer) Unsubscribe(id string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for typ, m := range s.subs {
		if _, ok := m[id]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, typ)
			}
			return
		}
	}
}

// HandleSyncEvent dispatches an inbound state event to subscribers and
// refreshes the local L1 copy. Events from this instance are ignored.
// A panicking subscriber does not prevent the others from running.
func (s *Synchronizer) HandleSyncEvent(event Event) {
	if event.Source == s.locks.InstanceID() {
		return
	}

	if raw, err := json.Marshal(event.State); err == nil {
		s.store.L1().Set(stateKey(event.UserID, event.Type), raw, DefaultSnapshotTTL)
	}

	s.subsMu.RLock()
	callbacks := make([]Callback, 0, len(s.subs[event.Type]))
	for _, cb := range s.subs[event.Type] {
		callbacks = append(callbacks, cb)
	}
	s.subsMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("state subscriber panicked",
						"type", event.Type, "panic", fmt.Sprintf("%v", r))
				}
			}()
			cb(event.UserID, event.State, event)
		}()
	}
}

// GetStateSnapshot reads the authoritative state, L1 first.
// Returns (nil, nil) when no state exists.
func (s *Synchronizer) GetStateSnapshot(ctx context.Context, userID, typ string) (*StateRecord, error) {
	var rec StateRecord
	found, err := s.store.GetJSON(ctx, stateKey(userID, typ), &rec, cache.Options{})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", userID, typ, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// RestoreStateSnapshot writes a snapshot as the authoritative state and
// broadcasts it.
func (s *Synchronizer) RestoreStateSnapshot(ctx context.Context, userID, typ string, snapshot StateRecord) error {
	if err := s.store.SetJSON(ctx, stateKey(userID, typ), &snapshot, s.cfg.StateTTL, cache.Options{}); err != nil {
		return fmt.Errorf("restore %s/%s: %w", userID, typ, err)
	}
	s.broadcast(ctx, userID, typ, snapshot)
	return nil
}

// taskType derives the state type for a task id.
func taskType(taskID string) string { return "task:" + taskID }

// GetTaskState reads task-scoped state under the system user.
func (s *Synchronizer) GetTaskState(ctx context.Context, taskID string) (*StateRecord, error) {
	return s.GetStateSnapshot(ctx, SystemUser, taskType(taskID))
}

// UpdateTaskState writes task-scoped state under the system user.
func (s *Synchronizer) UpdateTaskState(ctx context.Context, taskID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("task state %s: %w", taskID, err)
	}
	rec := StateRecord{Value: raw, Timestamp: time.Now().UnixMilli()}
	return s.RestoreStateSnapshot(ctx, SystemUser, taskType(taskID), rec)
}

// ClearTaskState removes task-scoped state.
func (s *Synchronizer) ClearTaskState(ctx context.Context, taskID string) error {
	key := stateKey(SystemUser, taskType(taskID))
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear task state %s: %w", taskID, err)
	}
	return nil
}
