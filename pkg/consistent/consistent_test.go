package consistent

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/kv/kvtest"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

type fakeLocker struct {
	id       string
	held     map[string]bool
	denyAll  bool
	acquires []string
	releases []string
}

func newFakeLocker(id string) *fakeLocker {
	return &fakeLocker{id: id, held: map[string]bool{}}
}

func (l *fakeLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration, opts ...coordinator.LockOptions) (bool, error) {
	l.acquires = append(l.acquires, name)
	if l.denyAll || l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, name string) error {
	l.releases = append(l.releases, name)
	delete(l.held, name)
	return nil
}

func (l *fakeLocker) InstanceID() string { return l.id }

type fakeBus struct {
	events []SyncEvent
	topics []string
}

func (b *fakeBus) Publish(ctx context.Context, topic string, message any, opts queue.PublishOptions) error {
	b.topics = append(b.topics, topic)
	if ev, ok := message.(*SyncEvent); ok {
		b.events = append(b.events, *ev)
	}
	return nil
}

func newTestCache(t *testing.T) (*Cache, *cache.Service, *fakeLocker, *fakeBus) {
	t.Helper()
	svc, err := cache.NewService(cache.Config{
		Primary:     kvtest.New("primary"),
		MaxFailures: 3,
		L1TTLCap:    time.Minute,
	})
	if err != nil {
		t.Fatalf("cache.NewService failed: %v", err)
	}
	locks := newFakeLocker("inst-1")
	bus := &fakeBus{}
	return New(svc, locks, bus), svc, locks, bus
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c, _, _, bus := newTestCache(t)

	ok, err := c.Set(ctx, "user:1", []byte(`{"name":"a"}`), SetOptions{})
	if err != nil || !ok {
		t.Fatalf("Set: got (%v, %v)", ok, err)
	}

	v, found, err := c.Get(ctx, "user:1", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(v) != `{"name":"a"}` {
		t.Errorf("expected stored value, got (%q, %v)", v, found)
	}

	ok, err = c.Delete(ctx, "user:1", DeleteOptions{})
	if err != nil || !ok {
		t.Fatalf("Delete: got (%v, %v)", ok, err)
	}
	_, found, err = c.Get(ctx, "user:1", true)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if found {
		t.Error("key survived delete")
	}

	// Both mutations were broadcast.
	if len(bus.events) != 2 {
		t.Fatalf("expected 2 sync events, got %d", len(bus.events))
	}
	if bus.events[0].Type != ChangeSet || bus.events[1].Type != ChangeDelete {
		t.Errorf("unexpected event types: %v, %v", bus.events[0].Type, bus.events[1].Type)
	}
	for _, topic := range bus.topics {
		if topic != queue.TopicCacheSync {
			t.Errorf("broadcast on wrong topic: %s", topic)
		}
	}
}

func TestSetLockSerialization(t *testing.T) {
	ctx := context.Background()
	c, _, locks, _ := newTestCache(t)

	ok, err := c.Set(ctx, "k", []byte("v"), SetOptions{LockKey: "user:1"})
	if err != nil || !ok {
		t.Fatalf("locked Set: got (%v, %v)", ok, err)
	}
	if len(locks.acquires) != 1 || locks.acquires[0] != "cache_write:user:1" {
		t.Errorf("unexpected lock name: %v", locks.acquires)
	}
	// The write lock is released after the mutation.
	if len(locks.releases) != 1 {
		t.Errorf("write lock was not released: %v", locks.releases)
	}

	// A contended lock refuses the write without error.
	locks.denyAll = true
	ok, err = c.Set(ctx, "k", []byte("v2"), SetOptions{LockKey: "user:1"})
	if err != nil {
		t.Fatalf("contended Set errored: %v", err)
	}
	if ok {
		t.Error("contended Set reported success")
	}

	v, _, err := c.Get(ctx, "k", true)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "v" {
		t.Errorf("refused write still landed: %q", v)
	}
}

func TestHandleSyncEventIgnoresOwnSource(t *testing.T) {
	ctx := context.Background()
	c, svc, _, _ := newTestCache(t)

	if _, err := c.Set(ctx, "k", []byte("local"), SetOptions{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// An echo of our own event must not touch L1.
	c.HandleSyncEvent(SyncEvent{Type: ChangeSet, Key: "k", Value: []byte("echo"), Source: "inst-1"})
	if v, ok := svc.L1().Get(fullKey("k")); !ok || string(v) != "local" {
		t.Errorf("own event modified L1: (%q, %v)", v, ok)
	}

	// A peer's set updates the local copy.
	c.HandleSyncEvent(SyncEvent{Type: ChangeSet, Key: "k", Value: []byte("peer"), Source: "inst-2"})
	if v, ok := svc.L1().Get(fullKey("k")); !ok || string(v) != "peer" {
		t.Errorf("peer set not applied to L1: (%q, %v)", v, ok)
	}

	// A peer's delete clears it.
	c.HandleSyncEvent(SyncEvent{Type: ChangeDelete, Key: "k", Source: "inst-2"})
	if _, ok := svc.L1().Get(fullKey("k")); ok {
		t.Error("peer delete not applied to L1")
	}
}

func TestBatchAppliesInOrder(t *testing.T) {
	ctx := context.Background()
	c, _, locks, bus := newTestCache(t)

	ops := []Operation{
		{Type: ChangeSet, Key: "a", Value: []byte("1")},
		{Type: ChangeSet, Key: "a", Value: []byte("2")},
		{Type: ChangeSet, Key: "b", Value: []byte("3")},
		{Type: ChangeDelete, Key: "b"},
	}
	ok, err := c.Batch(ctx, ops)
	if err != nil || !ok {
		t.Fatalf("Batch: got (%v, %v)", ok, err)
	}

	v, found, err := c.Get(ctx, "a", true)
	if err != nil || !found || string(v) != "2" {
		t.Errorf("expected last write to win, got (%q, %v, %v)", v, found, err)
	}
	if _, found, _ := c.Get(ctx, "b", true); found {
		t.Error("deleted key survived batch")
	}

	if len(bus.events) != len(ops) {
		t.Errorf("expected %d sync events, got %d", len(ops), len(bus.events))
	}
	if len(locks.releases) != 1 {
		t.Errorf("batch lock was not released: %v", locks.releases)
	}

	// A contended batch lock refuses the whole batch.
	locks.denyAll = true
	ok, err = c.Batch(ctx, ops)
	if err != nil || ok {
		t.Errorf("contended Batch: got (%v, %v)", ok, err)
	}
}

func TestRestoreConsistencyReplaysUserLog(t *testing.T) {
	ctx := context.Background()
	c, svc, _, bus := newTestCache(t)

	// Values are deliberately not JSON; the change log and the peer
	// broadcast must carry arbitrary cached bytes.
	if _, err := c.Set(ctx, "k", []byte("old"), SetOptions{UserID: "u1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond) // distinct change-log timestamps
	if _, err := c.Set(ctx, "k", []byte("new"), SetOptions{UserID: "u1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := c.Set(ctx, "other", []byte("x"), SetOptions{UserID: "u2"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if len(bus.events) != 3 {
		t.Fatalf("expected 3 sync events, got %d", len(bus.events))
	}
	if string(bus.events[1].Value) != "new" {
		t.Errorf("broadcast lost the raw bytes: %q", bus.events[1].Value)
	}

	logKeys, err := svc.ListKeys(ctx, changeLogPrefix)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(logKeys) != 3 {
		t.Fatalf("expected 3 change-log entries, got %d", len(logKeys))
	}

	// Simulate drift: L2 lost the latest write, L1 holds a stale copy.
	if err := svc.Set(ctx, fullKey("k"), []byte("drifted"), time.Hour, cache.Options{SkipCache: true}); err != nil {
		t.Fatalf("drift seed failed: %v", err)
	}
	svc.L1().Set(fullKey("k"), []byte("stale"), time.Minute)

	if err := c.RestoreConsistency(ctx, "u1"); err != nil {
		t.Fatalf("RestoreConsistency failed: %v", err)
	}

	v, found, err := c.Get(ctx, "k", true)
	if err != nil || !found {
		t.Fatalf("Get after restore: (%v, %v)", found, err)
	}
	if string(v) != "new" {
		t.Errorf("replay did not restore the latest write: %q", v)
	}
}
