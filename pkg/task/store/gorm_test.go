package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()
	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "tasks.db")},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *GORMStore, id string, status TaskStatus) *TaskRecord {
	t.Helper()
	rec := &TaskRecord{
		ID:       id,
		UserID:   "u1",
		ChatID:   100,
		MsgID:    int64(len(id)),
		FileName: id + ".mp4",
		Status:   string(status),
	}
	if err := s.CreateTask(context.Background(), rec); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return rec
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &TaskRecord{ID: "t1", UserID: "u1", ChatID: 7, FileName: "a.mp4", FileSize: 1024}
	if err := s.CreateTask(ctx, rec); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if rec.Status != string(StatusQueued) {
		t.Errorf("expected queued default, got %s", rec.Status)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.FileName != "a.mp4" || got.ChatID != 7 || got.FileSize != 1024 {
		t.Errorf("record mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateTask(ctx, &TaskRecord{}); err == nil {
		t.Error("empty id accepted")
	}
	if err := s.CreateTask(ctx, &TaskRecord{ID: "t1", Status: "bogus"}); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTask(t, s, "t1", StatusQueued)

	if err := s.UpdateStatus(ctx, "t1", StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.GetStatus() != StatusDownloading {
		t.Errorf("status not applied: %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("completion timestamp set prematurely")
	}

	if err := s.UpdateStatus(ctx, "t1", StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.CompletedAt == nil {
		t.Error("completion timestamp missing")
	} else if time.Since(*got.CompletedAt) > time.Minute {
		t.Errorf("implausible completion timestamp: %v", got.CompletedAt)
	}

	if err := s.UpdateStatus(ctx, "t1", StatusFailed, "disk full"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.ErrorMsg != "disk full" {
		t.Errorf("error message not recorded: %q", got.ErrorMsg)
	}

	if err := s.UpdateStatus(ctx, "missing", StatusFailed, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTask(t, s, "t1", StatusQueued)

	if err := s.ClaimTask(ctx, "t1", "inst-1"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.ClaimedBy != "inst-1" || got.Attempts != 1 {
		t.Errorf("claim not recorded: %+v", got)
	}

	// Every claim bumps the attempt counter.
	if err := s.ClaimTask(ctx, "t1", "inst-2"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.ClaimedBy != "inst-2" || got.Attempts != 2 {
		t.Errorf("reclaim not recorded: %+v", got)
	}

	if err := s.ReleaseClaim(ctx, "t1"); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.ClaimedBy != "" {
		t.Errorf("claim not released: %q", got.ClaimedBy)
	}

	if err := s.ClaimTask(ctx, "missing", "inst-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTask(t, s, "t1", StatusQueued)
	seedTask(t, s, "t2", StatusQueued)
	seedTask(t, s, "t3", StatusDownloading)

	queued, err := s.ListByStatus(ctx, StatusQueued, 0)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(queued))
	}
	if queued[0].CreatedAt.After(queued[1].CreatedAt) {
		t.Error("expected oldest first ordering")
	}

	limited, err := s.ListByStatus(ctx, StatusQueued, 1)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}
}

func TestListClaimedBySkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTask(t, s, "t1", StatusDownloading)
	seedTask(t, s, "t2", StatusUploading)
	seedTask(t, s, "t3", StatusQueued)

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.ClaimTask(ctx, id, "inst-1"); err != nil {
			t.Fatalf("ClaimTask failed: %v", err)
		}
	}
	if err := s.UpdateStatus(ctx, "t2", StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	claimed, err := s.ListClaimedBy(ctx, "inst-1")
	if err != nil {
		t.Fatalf("ListClaimedBy failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 live claimed tasks, got %d", len(claimed))
	}
	for _, rec := range claimed {
		if rec.ID == "t2" {
			t.Error("completed task listed as claimed work")
		}
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTask(t, s, "t1", StatusQueued)
	seedTask(t, s, "t2", StatusQueued)
	seedTask(t, s, "t3", StatusFailed)

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusQueued] != 2 || counts[StatusFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
