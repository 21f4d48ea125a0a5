package cache

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/kv/kvtest"
)

func newTestService(t *testing.T, primary, fallback *kvtest.Store) *Service {
	t.Helper()
	cfg := Config{
		Primary:     primary,
		MaxFailures: 3,
		L1TTLCap:    time.Minute,
	}
	if fallback != nil {
		cfg.Fallback = fallback
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	svc := newTestService(t, primary, nil)

	if err := svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, found, err := svc.Get(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(v) != "v" {
		t.Errorf("expected (v, true), got (%q, %v)", v, found)
	}
}

func TestGetServesFromL1(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	svc := newTestService(t, primary, nil)

	if err := svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// The provider is now broken; the L1 copy must still answer.
	primary.FailNext(kvtest.RetryableErr("free usage limit exceeded"))

	v, found, err := svc.Get(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(v) != "v" {
		t.Errorf("expected L1 hit, got (%q, %v)", v, found)
	}

	// SkipL1 bypasses the local copy and surfaces the provider error.
	if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err == nil {
		t.Error("expected provider error with SkipL1")
	}
}

func TestWriteSuppression(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	svc := newTestService(t, primary, nil)

	if err := svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_, sets, _, _ := primary.Calls()
	if sets != 1 {
		t.Fatalf("expected 1 provider set, got %d", sets)
	}

	// An identical write with a live L1 copy never reaches the provider.
	if err := svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_, sets, _, _ = primary.Calls()
	if sets != 1 {
		t.Errorf("identical write was not suppressed: %d provider sets", sets)
	}

	// A changed value writes through.
	if err := svc.Set(ctx, "k", []byte("v2"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_, sets, _, _ = primary.Calls()
	if sets != 2 {
		t.Errorf("changed write did not reach provider: %d provider sets", sets)
	}

	// SkipCache forces the write through even when unchanged.
	if err := svc.Set(ctx, "k", []byte("v2"), time.Minute, Options{SkipCache: true}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_, sets, _, _ = primary.Calls()
	if sets != 3 {
		t.Errorf("SkipCache write was suppressed: %d provider sets", sets)
	}
}

func TestFailoverAfterThreshold(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	fallback := kvtest.New("fallback")
	svc := newTestService(t, primary, fallback)

	primary.FailNext(kvtest.RetryableErr("free usage limit exceeded"))

	// Two failures stay under the budget of three.
	for i := 0; i < 2; i++ {
		if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if svc.IsFailoverMode() {
		t.Fatal("flipped before reaching the failure budget")
	}
	if got := svc.FailureCount(); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}

	// The third failure flips and the call retries against the fallback.
	if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err != nil {
		t.Fatalf("expected retry against fallback to succeed, got %v", err)
	}
	if !svc.IsFailoverMode() {
		t.Error("expected fail-over mode after third failure")
	}
	if got := svc.CurrentProvider(); got != "fallback" {
		t.Errorf("expected fallback active, got %s", got)
	}
	if got := svc.FailureCount(); got != 0 {
		t.Errorf("expected failure counter zeroed after flip, got %d", got)
	}
}

func TestSuccessDoesNotResetFailures(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	fallback := kvtest.New("fallback")
	svc := newTestService(t, primary, fallback)

	primary.FailGets(kvtest.RetryableErr("rate limit exceeded"))
	for i := 0; i < 2; i++ {
		if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err == nil {
			t.Fatal("expected provider error")
		}
	}
	primary.FailGets(nil)

	// Successes accumulate; the counter stays at two.
	for i := 0; i < 10; i++ {
		if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if got := svc.FailureCount(); got != 2 {
		t.Errorf("successes reset the failure counter: got %d, want 2", got)
	}

	// One more failure completes the budget and flips.
	primary.FailGets(kvtest.RetryableErr("rate limit exceeded"))
	if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err != nil {
		t.Fatalf("expected fallback retry to succeed, got %v", err)
	}
	if !svc.IsFailoverMode() {
		t.Error("expected fail-over after cumulative third failure")
	}
}

func TestNonRetryableErrorsDoNotCount(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	fallback := kvtest.New("fallback")
	svc := newTestService(t, primary, fallback)

	primary.FailNext(kvtest.FatalErr("invalid credentials"))
	for i := 0; i < 5; i++ {
		if _, _, err := svc.Get(ctx, "k", Options{SkipL1: true}); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if svc.IsFailoverMode() {
		t.Error("auth errors must not trigger fail-over")
	}
	if got := svc.FailureCount(); got != 0 {
		t.Errorf("auth errors counted toward the budget: %d", got)
	}
}

func TestRecoveryProbeRestoresPrimary(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	fallback := kvtest.New("fallback")
	svc := newTestService(t, primary, fallback)

	primary.FailNext(kvtest.RetryableErr("free usage limit exceeded"))
	for i := 0; i < 3; i++ {
		_, _, _ = svc.Get(ctx, "k", Options{SkipL1: true})
	}
	if !svc.IsFailoverMode() {
		t.Fatal("expected fail-over mode")
	}

	// Primary heals; a manual probe switches back.
	primary.FailNext(nil)
	svc.ProbeNow()

	if svc.IsFailoverMode() {
		t.Error("expected recovery to primary after probe")
	}
	if got := svc.CurrentProvider(); got != "primary" {
		t.Errorf("expected primary active after recovery, got %s", got)
	}
}

func TestL1TTLCapped(t *testing.T) {
	primary := kvtest.New("primary")
	svc := newTestService(t, primary, nil)

	if got := svc.l1TTL(10 * time.Second); got != 10*time.Second {
		t.Errorf("short TTL should pass through, got %v", got)
	}
	if got := svc.l1TTL(time.Hour); got != time.Minute {
		t.Errorf("long TTL should be capped at %v, got %v", time.Minute, got)
	}
	if got := svc.l1TTL(0); got != time.Minute {
		t.Errorf("zero TTL should get the cap, got %v", got)
	}
}

func TestDeleteClearsBothTiers(t *testing.T) {
	ctx := context.Background()
	primary := kvtest.New("primary")
	svc := newTestService(t, primary, nil)

	if err := svc.Set(ctx, "k", []byte("v"), time.Minute, Options{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := svc.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, found, err := svc.Get(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("key survived delete")
	}
}
