// Package batch is the prioritized, bounded-concurrency executor:
// batches queue by priority, run in chunks of parallel items under a
// distributed lock, and report partial or atomic failure.
package batch

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

// Priority names map to queue ordering values.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

var priorityValues = map[string]int{
	PriorityCritical: 100,
	PriorityHigh:     75,
	PriorityNormal:   50,
	PriorityLow:      25,
}

// Defaults.
const (
	DefaultMaxBatchSize         = 100
	DefaultMaxConcurrentBatches = 5
	DefaultChunkSize            = 10
	DefaultProcessLockTTL       = 120 * time.Second
	DefaultCompleteWait         = 5 * time.Minute

	batchKeyPrefix    = "batch:"
	processLockPrefix = "batch_process:"
	batchRecordTTL    = 24 * time.Hour
	completePoll      = 2 * time.Second
)

// BatchStatus is the stored lifecycle state of a batch.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Record is the batch record persisted in the coordination store.
type Record struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Priority  string            `json:"priority"`
	Items     []json.RawMessage `json:"items"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Status    BatchStatus       `json:"status"`
	CreatedAt int64             `json:"created_at"`
	Atomic    bool              `json:"atomic,omitempty"`
}

// ItemResult is the per-item outcome of a batch run.
type ItemResult struct {
	Success bool            `json:"success"`
	Item    json.RawMessage `json:"item"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Index   int             `json:"index"`
}

// Outcome is the whole-batch result.
type Outcome struct {
	Success bool         `json:"success"`
	Results []ItemResult `json:"results"`
}

// Processor handles one batch item and returns its result payload.
type Processor func(ctx context.Context, item json.RawMessage, index int) (any, error)

// CreateOptions tune createBatch.
type CreateOptions struct {
	UserID   string
	Priority string // default "normal"
	Metadata map[string]any

	// Atomic makes the first item failure short-circuit the batch.
	Atomic bool
}

// ItemsOptions tune ProcessItems.
type ItemsOptions struct {
	Concurrency int // default 10
	BatchSize   int // default 10
}

// Locker serializes batch processing across instances.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration, opts ...coordinator.LockOptions) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Publisher emits batch lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic string, message any, opts queue.PublishOptions) error
}

// Config tunes the batch service.
type Config struct {
	MaxBatchSize         int
	MaxConcurrentBatches int
	ChunkSize            int
	ProcessLockTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ProcessLockTTL <= 0 {
		c.ProcessLockTTL = DefaultProcessLockTTL
	}
}

// Service is the batch processor.
type Service struct {
	store *cache.Service
	locks Locker
	bus   Publisher
	cfg   Config

	mu       sync.Mutex
	pq       batchHeap
	seq      int64
	inFlight atomic.Int64
}

// New creates a batch service.
func New(store *cache.Service, locks Locker, bus Publisher, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{store: store, locks: locks, bus: bus, cfg: cfg}
}

// ===========================================================================
// Priority queue
// ===========================================================================

type queued struct {
	id       string
	priority int
	seq      int64 // FIFO within equal priority
}

type batchHeap []queued

func (h batchHeap) Len() int { return len(h) }
func (h batchHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h batchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *batchHeap) Push(x any)        { *h = append(*h, x.(queued)) }
func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ===========================================================================
// Operations
// ===========================================================================

// CreateBatch stores a batch record and queues it by priority. Items
// beyond the size cap are trimmed.
func (s *Service) CreateBatch(ctx context.Context, batchType string, items []json.RawMessage, opts CreateOptions) (string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	value, ok := priorityValues[priority]
	if !ok {
		return "", fmt.Errorf("batch: unknown priority %q", priority)
	}

	if len(items) > s.cfg.MaxBatchSize {
		logger.Warn("batch trimmed to size cap",
			"requested", len(items), "cap", s.cfg.MaxBatchSize)
		items = items[:s.cfg.MaxBatchSize]
	}

	record := Record{
		ID:        uuid.NewString(),
		Type:      batchType,
		UserID:    opts.UserID,
		Priority:  priority,
		Items:     items,
		Metadata:  opts.Metadata,
		Status:    BatchQueued,
		CreatedAt: time.Now().UnixMilli(),
		Atomic:    opts.Atomic,
	}
	if err := s.store.SetJSON(ctx, batchKeyPrefix+record.ID, &record, batchRecordTTL, cache.Options{SkipL1: true}); err != nil {
		return "", fmt.Errorf("batch create: %w", err)
	}

	s.mu.Lock()
	s.seq++
	heap.Push(&s.pq, queued{id: record.ID, priority: value, seq: s.seq})
	s.mu.Unlock()

	logger.Debug("batch created", logger.KeyBatchID, record.ID,
		"type", batchType, "items", len(items), "priority", priority)
	return record.ID, nil
}

// NextBatch pops the highest-priority queued batch id.
func (s *Service) NextBatch() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pq.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&s.pq).(queued)
	return item.id, true
}

// QueueDepth is the number of locally queued batches.
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

// ProcessBatch runs a batch under its processing lock, in parallel
// chunks. Concurrent batch runs are capped; excess calls fail fast.
func (s *Service) ProcessBatch(ctx context.Context, batchID string, processor Processor) (Outcome, error) {
	if n := s.inFlight.Add(1); n > int64(s.cfg.MaxConcurrentBatches) {
		s.inFlight.Add(-1)
		return Outcome{}, fmt.Errorf("batch %s: concurrent batch limit reached", batchID)
	}
	defer s.inFlight.Add(-1)

	lockName := processLockPrefix + batchID
	acquired, err := s.locks.AcquireLock(ctx, lockName, s.cfg.ProcessLockTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	if !acquired {
		return Outcome{}, fmt.Errorf("batch %s: already being processed", batchID)
	}
	defer func() {
		if err := s.locks.ReleaseLock(ctx, lockName); err != nil {
			logger.Warn("batch lock release failed",
				logger.KeyBatchID, batchID, logger.KeyError, err.Error())
		}
	}()

	var record Record
	found, err := s.store.GetJSON(ctx, batchKeyPrefix+batchID, &record, cache.Options{SkipL1: true})
	if err != nil {
		return Outcome{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	if !found {
		return Outcome{}, fmt.Errorf("batch %s: not found", batchID)
	}

	record.Status = BatchProcessing
	if err := s.store.SetJSON(ctx, batchKeyPrefix+batchID, &record, batchRecordTTL, cache.Options{SkipL1: true}); err != nil {
		return Outcome{}, fmt.Errorf("batch %s: %w", batchID, err)
	}

	outcome := s.runItems(ctx, record.Items, processor, record.Atomic)

	record.Status = BatchCompleted
	if !outcome.Success {
		record.Status = BatchFailed
	}
	if err := s.store.SetJSON(ctx, batchKeyPrefix+batchID, &record, batchRecordTTL, cache.Options{SkipL1: true}); err != nil {
		logger.Warn("batch status write failed",
			logger.KeyBatchID, batchID, logger.KeyError, err.Error())
	}

	event := map[string]any{
		"event":    "batch_update",
		"batch_id": batchID,
		"status":   record.Status,
		"results":  len(outcome.Results),
	}
	if err := s.bus.Publish(ctx, queue.TopicBatchEvents, event,
		queue.PublishOptions{Caller: "batch-processor"}); err != nil {
		logger.Warn("batch event publish failed",
			logger.KeyBatchID, batchID, logger.KeyError, err.Error())
	}

	return outcome, nil
}

// runItems executes items in fixed-size parallel chunks. Atomic
// batches short-circuit at the first chunk containing a failure.
func (s *Service) runItems(ctx context.Context, items []json.RawMessage, processor Processor, atomicRun bool) Outcome {
	results := make([]ItemResult, len(items))
	var failed atomic.Bool

	for start := 0; start < len(items); start += s.cfg.ChunkSize {
		if atomicRun && failed.Load() {
			break
		}

		end := start + s.cfg.ChunkSize
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				item := items[i]
				res, err := processor(gctx, item, i)
				if err != nil {
					failed.Store(true)
					results[i] = ItemResult{Item: item, Error: err.Error(), Index: i}
					return nil // failures are collected, not propagated
				}
				raw, mErr := json.Marshal(res)
				if mErr != nil {
					failed.Store(true)
					results[i] = ItemResult{Item: item, Error: mErr.Error(), Index: i}
					return nil
				}
				results[i] = ItemResult{Success: true, Item: item, Result: raw, Index: i}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Non-atomic batches report success even with collected failures.
	success := true
	if atomicRun && failed.Load() {
		success = false
	}
	return Outcome{Success: success, Results: results}
}

// ProcessItems is the free-standing parallel map over items.
func (s *Service) ProcessItems(ctx context.Context, items []json.RawMessage, processor Processor, opts ItemsOptions) []ItemResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultChunkSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultChunkSize
	}

	results := make([]ItemResult, len(items))
	for start := 0; start < len(items); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				item := items[i]
				res, err := processor(gctx, item, i)
				if err != nil {
					results[i] = ItemResult{Item: item, Error: err.Error(), Index: i}
					return nil
				}
				raw, _ := json.Marshal(res)
				results[i] = ItemResult{Success: true, Item: item, Result: raw, Index: i}
				return nil
			})
		}
		_ = g.Wait()

		// Small inter-chunk yield so long runs don't starve peers.
		select {
		case <-ctx.Done():
			return results
		case <-time.After(10 * time.Millisecond):
		}
	}
	return results
}

// OnBatchComplete polls until the batch reaches a terminal status and
// invokes cb, or gives up after the wait cap.
func (s *Service) OnBatchComplete(ctx context.Context, batchID string, cb func(Record)) error {
	deadline := time.Now().Add(DefaultCompleteWait)
	ticker := time.NewTicker(completePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var record Record
			found, err := s.store.GetJSON(ctx, batchKeyPrefix+batchID, &record, cache.Options{SkipL1: true})
			if err != nil {
				return fmt.Errorf("batch wait %s: %w", batchID, err)
			}
			if found && (record.Status == BatchCompleted || record.Status == BatchFailed) {
				cb(record)
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("batch wait %s: timed out", batchID)
			}
		}
	}
}

// GetBatch reads a batch record.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*Record, error) {
	var record Record
	found, err := s.store.GetJSON(ctx, batchKeyPrefix+batchID, &record, cache.Options{SkipL1: true})
	if err != nil {
		return nil, fmt.Errorf("batch get %s: %w", batchID, err)
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}
