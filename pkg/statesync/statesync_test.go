package statesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/kv/kvtest"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

type fakeLocker struct {
	id      string
	denyAll bool
}

func (l *fakeLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration, opts ...coordinator.LockOptions) (bool, error) {
	return !l.denyAll, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, name string) error { return nil }

func (l *fakeLocker) InstanceID() string { return l.id }

type fakeBus struct {
	events []Event
}

func (b *fakeBus) Publish(ctx context.Context, topic string, message any, opts queue.PublishOptions) error {
	if ev, ok := message.(*Event); ok {
		b.events = append(b.events, *ev)
	}
	return nil
}

func newTestSync(t *testing.T) (*Synchronizer, *cache.Service, *fakeLocker, *fakeBus) {
	t.Helper()
	svc, err := cache.NewService(cache.Config{
		Primary:     kvtest.New("primary"),
		MaxFailures: 3,
		L1TTLCap:    time.Minute,
	})
	if err != nil {
		t.Fatalf("cache.NewService failed: %v", err)
	}
	locks := &fakeLocker{id: "inst-1"}
	bus := &fakeBus{}
	return New(svc, locks, bus, Config{}), svc, locks, bus
}

func record(t *testing.T, value string, ts int64) StateRecord {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return StateRecord{Value: raw, Timestamp: ts}
}

func TestSyncLatestTimestampWins(t *testing.T) {
	ctx := context.Background()
	s, svc, _, _ := newTestSync(t)

	local := record(t, "local", 100)
	if err := svc.SetJSON(ctx, stateKey("u1", "preferences"), &local, time.Hour, cache.Options{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	newer := record(t, "peer-new", 200)
	if err := svc.SetJSON(ctx, syncKey("u1", "preferences", "inst-2"), &newer, time.Hour, cache.Options{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	older := record(t, "peer-old", 50)
	if err := svc.SetJSON(ctx, syncKey("u1", "preferences", "inst-3"), &older, time.Hour, cache.Options{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ok, err := s.SyncUserState(ctx, "u1", "preferences")
	if err != nil || !ok {
		t.Fatalf("SyncUserState: got (%v, %v)", ok, err)
	}

	got, err := s.GetStateSnapshot(ctx, "u1", "preferences")
	if err != nil || got == nil {
		t.Fatalf("snapshot: got (%v, %v)", got, err)
	}
	if got.Timestamp != 200 {
		t.Errorf("expected newest snapshot to win, got timestamp %d", got.Timestamp)
	}
	var v string
	_ = json.Unmarshal(got.Value, &v)
	if v != "peer-new" {
		t.Errorf("expected peer-new, got %q", v)
	}
}

func TestSyncTieKeepsLocal(t *testing.T) {
	ctx := context.Background()
	s, svc, _, _ := newTestSync(t)

	local := record(t, "local", 100)
	if err := svc.SetJSON(ctx, stateKey("u1", "session"), &local, time.Hour, cache.Options{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	tied := record(t, "peer-tied", 100)
	if err := svc.SetJSON(ctx, syncKey("u1", "session", "inst-2"), &tied, time.Hour, cache.Options{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if ok, err := s.SyncUserState(ctx, "u1", "session"); err != nil || !ok {
		t.Fatalf("SyncUserState: got (%v, %v)", ok, err)
	}

	got, err := s.GetStateSnapshot(ctx, "u1", "session")
	if err != nil || got == nil {
		t.Fatalf("snapshot: got (%v, %v)", got, err)
	}
	var v string
	_ = json.Unmarshal(got.Value, &v)
	if v != "local" {
		t.Errorf("tie did not keep the local value, got %q", v)
	}
}

func TestSyncContendedLock(t *testing.T) {
	ctx := context.Background()
	s, _, locks, _ := newTestSync(t)

	locks.denyAll = true
	ok, err := s.SyncUserState(ctx, "u1", "preferences")
	if err != nil {
		t.Fatalf("contended sync errored: %v", err)
	}
	if ok {
		t.Error("contended sync reported success")
	}
}

func TestSyncNothingKnown(t *testing.T) {
	ctx := context.Background()
	s, _, _, bus := newTestSync(t)

	ok, err := s.SyncUserState(ctx, "u1", "preferences")
	if err != nil || !ok {
		t.Fatalf("empty sync: got (%v, %v)", ok, err)
	}
	if len(bus.events) != 0 {
		t.Errorf("empty sync broadcast %d events", len(bus.events))
	}
}

func TestPublishStateChangeWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	s, svc, _, bus := newTestSync(t)

	state := record(t, "v", 100)
	if err := s.PublishStateChange(ctx, "u1", "progress", state); err != nil {
		t.Fatalf("PublishStateChange failed: %v", err)
	}

	var snap StateRecord
	found, err := svc.GetJSON(ctx, syncKey("u1", "progress", "inst-1"), &snap,
		cache.Options{SkipL1: true})
	if err != nil || !found {
		t.Fatalf("snapshot read: got (%v, %v)", found, err)
	}
	if snap.Timestamp != 100 {
		t.Errorf("snapshot timestamp wrong: %d", snap.Timestamp)
	}

	if len(bus.events) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bus.events))
	}
	ev := bus.events[0]
	if ev.UserID != "u1" || ev.Type != "progress" || ev.Source != "inst-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHandleSyncEventDispatch(t *testing.T) {
	s, svc, _, _ := newTestSync(t)

	var got []string
	s.Subscribe("preferences", func(userID string, state StateRecord, event Event) {
		got = append(got, userID)
	})
	// A panicking subscriber must not block the others.
	s.Subscribe("preferences", func(userID string, state StateRecord, event Event) {
		panic("subscriber bug")
	})

	// Our own events are echoes; nothing runs.
	s.HandleSyncEvent(Event{UserID: "u1", Type: "preferences", Source: "inst-1"})
	if len(got) != 0 {
		t.Fatal("own event dispatched to subscribers")
	}

	state := StateRecord{Value: json.RawMessage(`"v"`), Timestamp: 100}
	s.HandleSyncEvent(Event{UserID: "u1", Type: "preferences", State: state, Source: "inst-2"})
	if len(got) != 1 || got[0] != "u1" {
		t.Errorf("subscriber not dispatched: %v", got)
	}

	// The inbound state landed in L1.
	if _, ok := svc.L1().Get(stateKey("u1", "preferences")); !ok {
		t.Error("inbound state not cached locally")
	}

	// A different type has no subscribers; only the L1 write happens.
	s.HandleSyncEvent(Event{UserID: "u2", Type: "session", State: state, Source: "inst-2"})
	if len(got) != 1 {
		t.Errorf("unsubscribed type dispatched: %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	s, _, _, _ := newTestSync(t)

	calls := 0
	id := s.Subscribe("preferences", func(string, StateRecord, Event) { calls++ })
	s.Unsubscribe(id)

	s.HandleSyncEvent(Event{UserID: "u1", Type: "preferences", Source: "inst-2"})
	if calls != 0 {
		t.Error("unsubscribed callback still ran")
	}
}

func TestTaskStateLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _, _, bus := newTestSync(t)

	if got, err := s.GetTaskState(ctx, "t1"); err != nil || got != nil {
		t.Fatalf("expected no state, got (%v, %v)", got, err)
	}

	if err := s.UpdateTaskState(ctx, "t1", map[string]any{"status": "downloading"}); err != nil {
		t.Fatalf("UpdateTaskState failed: %v", err)
	}

	got, err := s.GetTaskState(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("GetTaskState: got (%v, %v)", got, err)
	}
	var state map[string]any
	if err := json.Unmarshal(got.Value, &state); err != nil {
		t.Fatalf("state not JSON: %v", err)
	}
	if state["status"] != "downloading" {
		t.Errorf("state lost: %v", state)
	}
	if got.Timestamp == 0 {
		t.Error("update did not stamp the record")
	}

	// Task updates broadcast under the system user.
	if len(bus.events) != 1 || bus.events[0].UserID != SystemUser {
		t.Errorf("expected system-user broadcast, got %+v", bus.events)
	}

	if err := s.ClearTaskState(ctx, "t1"); err != nil {
		t.Fatalf("ClearTaskState failed: %v", err)
	}
	if got, err := s.GetTaskState(ctx, "t1"); err != nil || got != nil {
		t.Errorf("state survived clear: (%v, %v)", got, err)
	}
}
