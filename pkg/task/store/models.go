package store

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a relay task.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusDownloading TaskStatus = "downloading"
	StatusDownloaded  TaskStatus = "downloaded"
	StatusUploading   TaskStatus = "uploading"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// IsValid checks if the status is a known TaskStatus.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusDownloaded,
		StatusUploading, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskRecord is the authoritative SQL row for a relay task. A mirror
// lives in the coordination store for fast cross-instance reads.
type TaskRecord struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	UserID      string     `gorm:"index;size:64" json:"user_id"`
	ChatID      int64      `gorm:"index" json:"chat_id"`
	MsgID       int64      `json:"msg_id"`
	SourceMsgID int64      `json:"source_msg_id"`
	FileName    string     `gorm:"size:512" json:"file_name"`
	FileSize    int64      `json:"file_size"`
	LocalPath   string     `gorm:"size:1024" json:"local_path,omitempty"`
	Status      string     `gorm:"index;not null;size:20" json:"status"`
	ClaimedBy   string     `gorm:"index;size:36" json:"claimed_by,omitempty"`
	ErrorMsg    string     `json:"error_msg,omitempty"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for TaskRecord.
func (TaskRecord) TableName() string {
	return "tasks"
}

// GetStatus returns the record status as a TaskStatus.
func (t *TaskRecord) GetStatus() TaskStatus {
	return TaskStatus(t.Status)
}

// Validate checks if the record has valid contents.
func (t *TaskRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Status != "" && !TaskStatus(t.Status).IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	return nil
}

// AllModels returns every model for auto-migration.
func AllModels() []any {
	return []any{
		&TaskRecord{},
	}
}
