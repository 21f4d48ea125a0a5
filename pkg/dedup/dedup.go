// Package dedup provides idempotent task registration: a dedup key
// collision inside the window rejects re-registration, a short-TTL
// processing lock gives single-worker execution with stale preemption,
// and results are persisted for later pickup.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
)

// Key prefixes in the coordination store.
const (
	taskPrefix       = "task:"
	processingPrefix = "processing:"
	resultPrefix     = "result:"
)

// Defaults.
const (
	DefaultWindow            = time.Hour
	DefaultLockTTL           = 300 * time.Second
	DefaultMaxProcessingTime = 600 * time.Second
	DefaultResultTTL         = time.Hour
	DefaultWaitTimeout       = 30 * time.Second

	resultPollInterval = 500 * time.Millisecond
)

// Status is the dedup record lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedRetryable Status = "failed_retryable"
)

// terminal reports whether a record no longer blocks re-registration.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusFailedRetryable
}

// Record is the dedup record stored under task:<key>.
type Record struct {
	TaskKey             string          `json:"task_key"`
	Data                json.RawMessage `json:"data,omitempty"`
	Status              Status          `json:"status"`
	CreatedAt           int64           `json:"created_at"`
	Attempts            int             `json:"attempts"`
	ProcessingWorker    string          `json:"processing_worker,omitempty"`
	ProcessingStartedAt int64           `json:"processing_started_at,omitempty"`
	ResultKey           string          `json:"result_key,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// processingLock is the sibling processing:<key> record.
type processingLock struct {
	Worker    string `json:"worker"`
	StartedAt int64  `json:"started_at"`
}

// ErrNotOwner is returned when a worker tries to complete or fail a
// task whose processing lock it does not hold.
var ErrNotOwner = errors.New("dedup: processing lock held by another worker")

// ErrNoResult is returned by GetTaskResult when no result exists and
// waiting was not requested or timed out.
var ErrNoResult = errors.New("dedup: no result available")

// RegisterOptions tune a registration.
type RegisterOptions struct {
	// DedupKey, when set, is used verbatim; otherwise it is derived from
	// the task data.
	DedupKey string

	// TTL is the dedup window for this record. Default: 1h.
	TTL time.Duration

	// AllowDuplicate registers even when a live record exists.
	AllowDuplicate bool
}

// Registration is the registerTask outcome.
type Registration struct {
	Registered bool   `json:"registered"`
	Reason     string `json:"reason,omitempty"`
	TaskKey    string `json:"task_key"`
	Status     Status `json:"status,omitempty"`
}

// ProcessingOptions tune beginProcessing.
type ProcessingOptions struct {
	// LockTTL bounds the processing:<key> record. Default: 300s.
	LockTTL time.Duration

	// MaxProcessingTime is the staleness cutoff after which another
	// worker may preempt the lock. Default: 600s.
	MaxProcessingTime time.Duration
}

// Grant is the beginProcessing outcome.
type Grant struct {
	CanProcess bool            `json:"can_process"`
	Reason     string          `json:"reason,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ResultOptions tune getTaskResult.
type ResultOptions struct {
	// Wait polls until a result appears or Timeout elapses.
	Wait bool

	// Timeout bounds the wait. Default: 30s.
	Timeout time.Duration
}

// Deduplicator is the task dedup service.
type Deduplicator struct {
	store  *cache.Service
	window time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a deduplicator with the given dedup window.
// A non-positive window gets the default.
func New(store *cache.Service, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{store: store, window: window, now: time.Now}
}

// DeriveKey builds a deterministic dedup key from task data.
func DeriveKey(data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("dedup: derive key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16]), nil
}

// RegisterTask registers a task under its dedup key. A live record for
// the same key rejects the registration unless AllowDuplicate is set;
// completed, failed and expired records do not block.
func (d *Deduplicator) RegisterTask(ctx context.Context, data any, opts RegisterOptions) (Registration, error) {
	key := opts.DedupKey
	if key == "" {
		derived, err := DeriveKey(data)
		if err != nil {
			return Registration{}, err
		}
		key = derived
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = d.window
	}

	var existing Record
	found, err := d.store.GetJSON(ctx, taskPrefix+key, &existing, cache.Options{SkipL1: true})
	if err != nil {
		return Registration{}, fmt.Errorf("dedup register %q: %w", key, err)
	}
	if found && !existing.Status.terminal() && !opts.AllowDuplicate {
		return Registration{
			Registered: false,
			Reason:     "duplicate",
			TaskKey:    key,
			Status:     existing.Status,
		}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Registration{}, fmt.Errorf("dedup register %q: %w", key, err)
	}
	record := Record{
		TaskKey:   key,
		Data:      raw,
		Status:    StatusPending,
		CreatedAt: d.now().UnixMilli(),
	}
	if err := d.store.SetJSON(ctx, taskPrefix+key, &record, ttl, cache.Options{SkipL1: true}); err != nil {
		return Registration{}, fmt.Errorf("dedup register %q: %w", key, err)
	}

	logger.Debug("task registered", logger.KeyTaskKey, key)
	return Registration{Registered: true, TaskKey: key, Status: StatusPending}, nil
}

// BeginProcessing claims a registered task for workerID. A fresh lock
// held by another worker refuses the claim; a stale one is preempted.
func (d *Deduplicator) BeginProcessing(ctx context.Context, taskKey, workerID string, opts ProcessingOptions) (Grant, error) {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = DefaultMaxProcessingTime
	}

	var record Record
	found, err := d.store.GetJSON(ctx, taskPrefix+taskKey, &record, cache.Options{SkipL1: true})
	if err != nil {
		return Grant{}, fmt.Errorf("dedup begin %q: %w", taskKey, err)
	}
	if !found {
		return Grant{CanProcess: false, Reason: "not_found"}, nil
	}
	if record.Status == StatusCompleted {
		return Grant{CanProcess: false, Reason: "already_completed"}, nil
	}

	now := d.now()
	var lock processingLock
	held, err := d.store.GetJSON(ctx, processingPrefix+taskKey, &lock, cache.Options{SkipL1: true})
	if err != nil {
		return Grant{}, fmt.Errorf("dedup begin %q: %w", taskKey, err)
	}
	if held && lock.Worker != workerID {
		elapsed := now.Sub(time.UnixMilli(lock.StartedAt))
		if elapsed < opts.MaxProcessingTime {
			return Grant{CanProcess: false, Reason: "in_progress"}, nil
		}
		logger.Warn("preempting stale processing lock",
			logger.KeyTaskKey, taskKey, "stale_worker", lock.Worker,
			"elapsed", elapsed.String())
	}

	claim := processingLock{Worker: workerID, StartedAt: now.UnixMilli()}
	if err := d.store.SetJSON(ctx, processingPrefix+taskKey, &claim, opts.LockTTL, cache.Options{SkipL1: true}); err != nil {
		return Grant{}, fmt.Errorf("dedup begin %q: %w", taskKey, err)
	}
	// Read back: a concurrent claimant may have overwritten ours.
	var verify processingLock
	found, err = d.store.GetJSON(ctx, processingPrefix+taskKey, &verify, cache.Options{SkipL1: true})
	if err != nil || !found || verify.Worker != workerID {
		return Grant{CanProcess: false, Reason: "in_progress"}, nil
	}

	record.Status = StatusProcessing
	record.Attempts++
	record.ProcessingWorker = workerID
	record.ProcessingStartedAt = claim.StartedAt
	if err := d.store.SetJSON(ctx, taskPrefix+taskKey, &record, d.window, cache.Options{SkipL1: true}); err != nil {
		return Grant{}, fmt.Errorf("dedup begin %q: %w", taskKey, err)
	}

	return Grant{CanProcess: true, Attempt: record.Attempts, Data: record.Data}, nil
}

// CompleteProcessing persists the result and marks the task completed.
// The caller must still own the processing lock.
func (d *Deduplicator) CompleteProcessing(ctx context.Context, taskKey, workerID string, result any, resultTTL time.Duration) error {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	record, err := d.verifyOwner(ctx, taskKey, workerID)
	if err != nil {
		return err
	}

	resultKey := resultPrefix + taskKey
	if err := d.store.SetJSON(ctx, resultKey, result, resultTTL, cache.Options{SkipL1: true}); err != nil {
		return fmt.Errorf("dedup complete %q: %w", taskKey, err)
	}

	record.Status = StatusCompleted
	record.ResultKey = resultKey
	record.ProcessingWorker = ""
	if err := d.store.SetJSON(ctx, taskPrefix+taskKey, record, d.window, cache.Options{SkipL1: true}); err != nil {
		return fmt.Errorf("dedup complete %q: %w", taskKey, err)
	}
	if err := d.store.Delete(ctx, processingPrefix+taskKey); err != nil {
		logger.Warn("processing lock cleanup failed",
			logger.KeyTaskKey, taskKey, logger.KeyError, err.Error())
	}
	return nil
}

// FailProcessing marks the task failed. Retryable failures keep the
// record eligible for another beginProcessing.
func (d *Deduplicator) FailProcessing(ctx context.Context, taskKey, workerID string, taskErr error, retryable bool) error {
	record, err := d.verifyOwner(ctx, taskKey, workerID)
	if err != nil {
		return err
	}

	if retryable {
		record.Status = StatusFailedRetryable
	} else {
		record.Status = StatusFailed
	}
	if taskErr != nil {
		record.Error = taskErr.Error()
	}
	record.ProcessingWorker = ""
	if err := d.store.SetJSON(ctx, taskPrefix+taskKey, record, d.window, cache.Options{SkipL1: true}); err != nil {
		return fmt.Errorf("dedup fail %q: %w", taskKey, err)
	}
	if err := d.store.Delete(ctx, processingPrefix+taskKey); err != nil {
		logger.Warn("processing lock cleanup failed",
			logger.KeyTaskKey, taskKey, logger.KeyError, err.Error())
	}
	return nil
}

// verifyOwner confirms workerID holds the processing lock and returns
// the task record.
func (d *Deduplicator) verifyOwner(ctx context.Context, taskKey, workerID string) (*Record, error) {
	var lock processingLock
	held, err := d.store.GetJSON(ctx, processingPrefix+taskKey, &lock, cache.Options{SkipL1: true})
	if err != nil {
		return nil, fmt.Errorf("dedup verify %q: %w", taskKey, err)
	}
	if !held || lock.Worker != workerID {
		return nil, ErrNotOwner
	}

	var record Record
	found, err := d.store.GetJSON(ctx, taskPrefix+taskKey, &record, cache.Options{SkipL1: true})
	if err != nil {
		return nil, fmt.Errorf("dedup verify %q: %w", taskKey, err)
	}
	if !found {
		return nil, fmt.Errorf("dedup verify %q: record vanished", taskKey)
	}
	return &record, nil
}

// GetTaskStatus returns the record status, or false when no record
// exists.
func (d *Deduplicator) GetTaskStatus(ctx context.Context, taskKey string) (Status, bool, error) {
	var record Record
	found, err := d.store.GetJSON(ctx, taskPrefix+taskKey, &record, cache.Options{SkipL1: true})
	if err != nil {
		return "", false, fmt.Errorf("dedup status %q: %w", taskKey, err)
	}
	if !found {
		return "", false, nil
	}
	return record.Status, true, nil
}

// GetTaskResult fetches the persisted result, optionally polling until
// it appears.
func (d *Deduplicator) GetTaskResult(ctx context.Context, taskKey string, opts ResultOptions, out any) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWaitTimeout
	}

	read := func() (bool, error) {
		found, err := d.store.GetJSON(ctx, resultPrefix+taskKey, out, cache.Options{SkipL1: true})
		if err != nil {
			return false, fmt.Errorf("dedup result %q: %w", taskKey, err)
		}
		return found, nil
	}

	found, err := read()
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	if !opts.Wait {
		return ErrNoResult
	}

	deadline := d.now().Add(opts.Timeout)
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			found, err := read()
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			if d.now().After(deadline) {
				return ErrNoResult
			}
		}
	}
}
