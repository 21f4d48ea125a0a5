// Package task owns the process-local view of relay work: download and
// upload queues, in-flight counters, cooperative cancellation, and the
// upload/retry lifecycles serialized by per-task distributed locks.
package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/task/store"
)

// ErrTaskLocked is returned when another instance holds the task lock.
var ErrTaskLocked = errors.New("task locked by another instance")

// Locker serializes per-task work across instances.
type Locker interface {
	AcquireTaskLock(ctx context.Context, taskID string) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID string) error
	InstanceID() string
}

// Uploader moves a local file to remote storage.
type Uploader interface {
	// Exists reports whether the remote object is already present.
	Exists(ctx context.Context, remoteName string) (bool, error)

	// Upload streams the local file to the remote object.
	Upload(ctx context.Context, localPath, remoteName string) error

	// List returns remote object names under prefix, used to verify an
	// upload actually landed.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Enqueuer re-dispatches tasks onto the work queues.
type Enqueuer interface {
	EnqueueDownloadTask(ctx context.Context, taskID string, data map[string]any) error
	EnqueueUploadTask(ctx context.Context, taskID string, data map[string]any) error
}

// SourceFetcher checks that the original message a task was created
// from still exists upstream.
type SourceFetcher interface {
	SourceExists(ctx context.Context, chatID, msgID int64) (bool, error)
}

// Repository is the SQL persistence the manager needs.
type Repository interface {
	GetTask(ctx context.Context, id string) (*store.TaskRecord, error)
	UpdateStatus(ctx context.Context, id string, status store.TaskStatus, errMsg string) error
	ClaimTask(ctx context.Context, id, instanceID string) error
	ReleaseClaim(ctx context.Context, id string) error
}

// StateMirror keeps the cross-instance task-state mirror current.
// Optional; a nil mirror is skipped.
type StateMirror interface {
	UpdateTaskState(ctx context.Context, taskID string, value any) error
	ClearTaskState(ctx context.Context, taskID string) error
}

// RetryResult reports the outcome of a retry request.
type RetryResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// Manager tracks local work and runs the upload/retry lifecycles.
type Manager struct {
	repo     Repository
	locks    Locker
	uploader Uploader
	queue    Enqueuer
	source   SourceFetcher
	mirror   StateMirror

	mu               sync.Mutex
	waiting          []string
	processing       map[string]struct{}
	completed        []string
	currentTask      string
	waitingUpload    []string
	processingUpload map[string]struct{}
	cancelled        map[string]struct{}
}

// NewManager wires a manager from its capabilities. mirror may be nil.
func NewManager(repo Repository, locks Locker, uploader Uploader, queue Enqueuer, source SourceFetcher, mirror StateMirror) *Manager {
	return &Manager{
		repo:             repo,
		locks:            locks,
		uploader:         uploader,
		queue:            queue,
		source:           source,
		mirror:           mirror,
		processing:       make(map[string]struct{}),
		processingUpload: make(map[string]struct{}),
		cancelled:        make(map[string]struct{}),
	}
}

// ===========================================================================
// Counters and queues
// ===========================================================================

// ProcessingCount is the downloader slot plus in-flight uploads.
func (m *Manager) ProcessingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.processingUpload)
	if m.currentTask != "" {
		n++
	}
	return n
}

// WaitingCount is the combined depth of both waiting queues.
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting) + len(m.waitingUpload)
}

// PushDownload appends a task to the download queue.
func (m *Manager) PushDownload(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append(m.waiting, taskID)
}

// PushUpload appends a task to the upload queue.
func (m *Manager) PushUpload(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitingUpload = append(m.waitingUpload, taskID)
}

// NextDownload pops the download queue and claims the downloader slot.
// Returns false when the queue is empty or the slot is busy.
func (m *Manager) NextDownload() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTask != "" || len(m.waiting) == 0 {
		return "", false
	}
	id := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.currentTask = id
	m.processing[id] = struct{}{}
	return id, true
}

// FinishDownload releases the downloader slot.
func (m *Manager) FinishDownload(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTask == taskID {
		m.currentTask = ""
	}
	delete(m.processing, taskID)
	m.completed = append(m.completed, taskID)
}

// NextUpload pops the upload queue into the in-flight upload set.
func (m *Manager) NextUpload() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waitingUpload) == 0 {
		return "", false
	}
	id := m.waitingUpload[0]
	m.waitingUpload = m.waitingUpload[1:]
	m.processingUpload[id] = struct{}{}
	return id, true
}

// Cancel marks a task for cooperative cancellation. In-flight work
// checks the flag at defined points.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[taskID] = struct{}{}
}

// IsCancelled reports whether a task was cancelled.
func (m *Manager) IsCancelled(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelled[taskID]
	return ok
}

func (m *Manager) clearUpload(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processingUpload, taskID)
}

// ===========================================================================
// Upload lifecycle
// ===========================================================================

// UploadTask runs the upload lifecycle for a downloaded task. The task
// lock, the claim, and the local file are always released, whatever
// path the upload takes. Cancellation is honored after the lock
// acquire and after the local-file stat.
func (m *Manager) UploadTask(ctx context.Context, task *store.TaskRecord) error {
	acquired, err := m.locks.AcquireTaskLock(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("upload %s: %w", task.ID, err)
	}
	if !acquired {
		return ErrTaskLocked
	}

	m.mu.Lock()
	m.processingUpload[task.ID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		if err := m.locks.ReleaseTaskLock(ctx, task.ID); err != nil {
			logger.Warn("task lock release failed",
				logger.KeyTaskID, task.ID, logger.KeyError, err.Error())
		}
		if task.LocalPath != "" {
			if err := os.Remove(task.LocalPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("local file cleanup failed",
					logger.KeyTaskID, task.ID, logger.KeyError, err.Error())
			}
		}
		if err := m.repo.ReleaseClaim(ctx, task.ID); err != nil {
			logger.Warn("claim release failed",
				logger.KeyTaskID, task.ID, logger.KeyError, err.Error())
		}
		m.clearUpload(task.ID)
	}()

	if err := m.repo.ClaimTask(ctx, task.ID, m.locks.InstanceID()); err != nil {
		return m.failTask(ctx, task.ID, fmt.Errorf("claim: %w", err))
	}

	if m.IsCancelled(task.ID) {
		return m.markCancelled(ctx, task.ID)
	}

	info, err := os.Stat(task.LocalPath)
	if err != nil || info.Size() <= 0 {
		return m.failTask(ctx, task.ID, fmt.Errorf("local file missing or empty: %s", task.LocalPath))
	}

	if m.IsCancelled(task.ID) {
		return m.markCancelled(ctx, task.ID)
	}

	// Idempotence: a retried task whose previous attempt landed is done.
	exists, err := m.uploader.Exists(ctx, task.FileName)
	if err != nil {
		return m.failTask(ctx, task.ID, fmt.Errorf("remote check: %w", err))
	}
	if exists {
		logger.Info("remote file already present, skipping upload",
			logger.KeyTaskID, task.ID, logger.KeyFileName, task.FileName)
		return m.completeTask(ctx, task.ID)
	}

	if err := m.repo.UpdateStatus(ctx, task.ID, store.StatusUploading, ""); err != nil {
		return m.failTask(ctx, task.ID, fmt.Errorf("status transition: %w", err))
	}
	m.mirrorState(ctx, task.ID, store.StatusUploading)

	if err := m.uploader.Upload(ctx, task.LocalPath, task.FileName); err != nil {
		return m.failTask(ctx, task.ID, fmt.Errorf("upload: %w", err))
	}

	// Integrity: the object must be listable after the upload returns.
	names, err := m.uploader.List(ctx, task.FileName)
	if err != nil {
		return m.failTask(ctx, task.ID, fmt.Errorf("remote verify: %w", err))
	}
	found := false
	for _, name := range names {
		if name == task.FileName {
			found = true
			break
		}
	}
	if !found {
		return m.failTask(ctx, task.ID, fmt.Errorf("remote verify: %s not listed after upload", task.FileName))
	}

	return m.completeTask(ctx, task.ID)
}

func (m *Manager) completeTask(ctx context.Context, taskID string) error {
	if err := m.repo.UpdateStatus(ctx, taskID, store.StatusCompleted, ""); err != nil {
		return fmt.Errorf("complete %s: %w", taskID, err)
	}
	m.mirrorState(ctx, taskID, store.StatusCompleted)
	logger.Info("task completed", logger.KeyTaskID, taskID)
	return nil
}

func (m *Manager) failTask(ctx context.Context, taskID string, cause error) error {
	if err := m.repo.UpdateStatus(ctx, taskID, store.StatusFailed, cause.Error()); err != nil {
		logger.Error("failed-status write failed",
			logger.KeyTaskID, taskID, logger.KeyError, err.Error())
	}
	m.mirrorState(ctx, taskID, store.StatusFailed)
	logger.Warn("task failed", logger.KeyTaskID, taskID, logger.KeyError, cause.Error())
	return cause
}

func (m *Manager) markCancelled(ctx context.Context, taskID string) error {
	if err := m.repo.UpdateStatus(ctx, taskID, store.StatusCancelled, ""); err != nil {
		return fmt.Errorf("cancel %s: %w", taskID, err)
	}
	m.mirrorState(ctx, taskID, store.StatusCancelled)
	logger.Info("task cancelled", logger.KeyTaskID, taskID)
	return nil
}

// mirrorState keeps the cross-instance view current. Best effort.
func (m *Manager) mirrorState(ctx context.Context, taskID string, status store.TaskStatus) {
	if m.mirror == nil {
		return
	}
	state := map[string]any{
		"status":      string(status),
		"instance_id": m.locks.InstanceID(),
	}
	if err := m.mirror.UpdateTaskState(ctx, taskID, state); err != nil {
		logger.Debug("task state mirror write failed",
			logger.KeyTaskID, taskID, logger.KeyError, err.Error())
	}
}

// ===========================================================================
// Status reports
// ===========================================================================

// StatusReport is a task state update posted by another instance.
type StatusReport struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	UploadedBytes int64  `json:"uploadedBytes,omitempty"`
	TotalSize     int64  `json:"totalSize,omitempty"`
}

// ReportStatus applies a remote status update to the repository and the
// cross-instance mirror. Terminal statuses also free any local slot the
// task still occupies.
func (m *Manager) ReportStatus(ctx context.Context, taskID string, report StatusReport) error {
	status := store.TaskStatus(report.Status)
	switch status {
	case store.StatusQueued, store.StatusDownloading, store.StatusDownloaded,
		store.StatusUploading, store.StatusCompleted, store.StatusFailed,
		store.StatusCancelled:
	default:
		return fmt.Errorf("unknown task status %q", report.Status)
	}

	if err := m.repo.UpdateStatus(ctx, taskID, status, report.Error); err != nil {
		return fmt.Errorf("report status %s: %w", taskID, err)
	}
	m.mirrorState(ctx, taskID, status)

	switch status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		m.mu.Lock()
		if m.currentTask == taskID {
			m.currentTask = ""
		}
		delete(m.processing, taskID)
		delete(m.processingUpload, taskID)
		m.mu.Unlock()
	}
	logger.Debug("task status reported",
		logger.KeyTaskID, taskID, logger.KeyStatus, report.Status)
	return nil
}

// ===========================================================================
// Retry
// ===========================================================================

// RetryTask re-dispatches a task. Completed and cancelled tasks are
// rejected; an upload whose local file vanished is re-enqueued as a
// download instead. The task lock is released on every exit path.
func (m *Manager) RetryTask(ctx context.Context, taskID, source string) (RetryResult, error) {
	record, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return RetryResult{StatusCode: http.StatusNotFound, Message: "Task not found"}, nil
		}
		return RetryResult{}, fmt.Errorf("retry %s: %w", taskID, err)
	}

	switch record.GetStatus() {
	case store.StatusCompleted:
		return RetryResult{StatusCode: http.StatusBadRequest, Message: "Task already completed"}, nil
	case store.StatusCancelled:
		return RetryResult{StatusCode: http.StatusBadRequest, Message: "Task cancelled"}, nil
	}

	acquired, err := m.locks.AcquireTaskLock(ctx, taskID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("retry %s: %w", taskID, err)
	}
	if !acquired {
		return RetryResult{StatusCode: http.StatusConflict, Message: "Task is being processed elsewhere"}, nil
	}
	defer func() {
		if err := m.locks.ReleaseTaskLock(ctx, taskID); err != nil {
			logger.Warn("task lock release failed",
				logger.KeyTaskID, taskID, logger.KeyError, err.Error())
		}
	}()

	present, err := m.source.SourceExists(ctx, record.ChatID, record.SourceMsgID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("retry %s: source check: %w", taskID, err)
	}
	if !present {
		return RetryResult{StatusCode: http.StatusNotFound, Message: "Source message not found"}, nil
	}

	data := map[string]any{
		"retry_source": source,
		"file_name":    record.FileName,
		"chat_id":      record.ChatID,
		"msg_id":       record.MsgID,
	}

	uploadPhase := record.GetStatus() == store.StatusDownloaded || record.GetStatus() == store.StatusUploading
	if uploadPhase {
		if _, statErr := os.Stat(record.LocalPath); statErr != nil {
			// The downloaded payload is gone; start over from the source.
			logger.Info("local file missing on retry, re-enqueueing as download",
				logger.KeyTaskID, taskID)
			uploadPhase = false
		}
	}

	if uploadPhase {
		if err := m.queue.EnqueueUploadTask(ctx, taskID, data); err != nil {
			return RetryResult{}, fmt.Errorf("retry %s: %w", taskID, err)
		}
	} else {
		if err := m.repo.UpdateStatus(ctx, taskID, store.StatusQueued, ""); err != nil {
			return RetryResult{}, fmt.Errorf("retry %s: %w", taskID, err)
		}
		if err := m.queue.EnqueueDownloadTask(ctx, taskID, data); err != nil {
			return RetryResult{}, fmt.Errorf("retry %s: %w", taskID, err)
		}
	}

	logger.Info("task re-enqueued", logger.KeyTaskID, taskID, "source", source)
	return RetryResult{Success: true, StatusCode: http.StatusOK, Message: "Task re-enqueued"}, nil
}
