package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/pkg/cache"
)

const (
	progressKeyPrefix = "stream:progress:"
	progressTTL       = 24 * time.Hour
)

// Progress is the resumable transfer state persisted per task.
type Progress struct {
	TaskID         string `json:"task_id"`
	FileName       string `json:"file_name"`
	UserID         string `json:"user_id"`
	LastChunkIndex int64  `json:"last_chunk_index"`
	UploadedBytes  int64  `json:"uploaded_bytes"`
	TotalSize      int64  `json:"total_size"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Tracker persists and restores stream progress in the coordination
// store.
type Tracker struct {
	store *cache.Service
}

// NewTracker creates a progress tracker.
func NewTracker(store *cache.Service) *Tracker {
	return &Tracker{store: store}
}

// Save writes the progress record for a task.
func (t *Tracker) Save(ctx context.Context, p Progress) error {
	p.UpdatedAt = time.Now().UnixMilli()
	if err := t.store.SetJSON(ctx, progressKeyPrefix+p.TaskID, &p, progressTTL, cache.Options{SkipL1: true}); err != nil {
		return fmt.Errorf("stream progress save %s: %w", p.TaskID, err)
	}
	return nil
}

// Load reads the progress record. Returns (nil, nil) when absent.
func (t *Tracker) Load(ctx context.Context, taskID string) (*Progress, error) {
	var p Progress
	found, err := t.store.GetJSON(ctx, progressKeyPrefix+taskID, &p, cache.Options{SkipL1: true})
	if err != nil {
		return nil, fmt.Errorf("stream progress load %s: %w", taskID, err)
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

// Resume returns the chunk index transfer should restart after.
// A task with no saved progress resumes from the beginning.
func (t *Tracker) Resume(ctx context.Context, taskID string) (int64, error) {
	p, err := t.Load(ctx, taskID)
	if err != nil {
		return -1, err
	}
	if p == nil {
		return -1, nil
	}
	return p.LastChunkIndex, nil
}

// Reset discards saved progress so the transfer restarts from zero.
func (t *Tracker) Reset(ctx context.Context, taskID string) error {
	if err := t.store.Delete(ctx, progressKeyPrefix+taskID); err != nil {
		return fmt.Errorf("stream progress reset %s: %w", taskID, err)
	}
	return nil
}
