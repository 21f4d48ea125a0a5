package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// DefaultChunkRetryMax caps resends of a single chunk.
const DefaultChunkRetryMax = 3

// RemoteProgress is the worker's reported watermark.
type RemoteProgress struct {
	LastChunkIndex int64 `json:"lastChunkIndex"`
	UploadedBytes  int64 `json:"uploadedBytes"`
}

// ForwarderConfig tunes the leader-side chunk relay.
type ForwarderConfig struct {
	// TargetURL is the load balancer (or worker) base URL chunks are
	// posted to.
	TargetURL string

	// InstanceSecret authenticates the relay. Never logged.
	InstanceSecret string

	// ChunkRetryMax caps resends per (task, chunk). Default: 3.
	ChunkRetryMax int

	// RequestTimeout bounds each chunk post. Default: 30s.
	RequestTimeout time.Duration
}

// Forwarder relays downloaded chunks to the worker side.
type Forwarder struct {
	cfg    ForwarderConfig
	client *http.Client

	mu      sync.Mutex
	retries map[string]int // "<taskID>:<chunkIndex>" -> attempts
}

// NewForwarder creates a chunk forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.TargetURL == "" {
		return nil, fmt.Errorf("stream: forwarder target url is required")
	}
	if cfg.ChunkRetryMax <= 0 {
		cfg.ChunkRetryMax = DefaultChunkRetryMax
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Forwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		retries: make(map[string]int),
	}, nil
}

func retryKey(taskID string, chunkIndex int64) string {
	return fmt.Sprintf("%s:%d", taskID, chunkIndex)
}

// ForwardChunk posts one chunk to the worker side. A chunk whose retry
// budget is exhausted aborts; a chunk the worker already holds (per its
// reported watermark) is skipped.
func (f *Forwarder) ForwardChunk(ctx context.Context, taskID string, chunk []byte, meta Metadata) error {
	key := retryKey(taskID, meta.ChunkIndex)

	f.mu.Lock()
	attempts := f.retries[key]
	f.mu.Unlock()
	if attempts >= f.cfg.ChunkRetryMax {
		return fmt.Errorf("stream forward %s: chunk %d retry budget exhausted", taskID, meta.ChunkIndex)
	}

	url := strings.TrimSuffix(f.cfg.TargetURL, "/") + "/api/v2/stream/" + taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("stream forward %s: %w", taskID, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	meta.Apply(req.Header, f.cfg.InstanceSecret)

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordFailure(key)
		return fmt.Errorf("stream forward %s: %w", taskID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.recordFailure(key)
		return fmt.Errorf("stream forward %s: chunk %d status %d", taskID, meta.ChunkIndex, resp.StatusCode)
	}

	f.mu.Lock()
	delete(f.retries, key)
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) recordFailure(key string) {
	f.mu.Lock()
	f.retries[key]++
	n := f.retries[key]
	f.mu.Unlock()
	logger.Debug("chunk forward failed", "chunk", key, logger.KeyAttempt, n)
}

// ShouldSkip consults the worker's watermark so already-received chunks
// are not resent. Errors are treated as "send it anyway".
func (f *Forwarder) ShouldSkip(ctx context.Context, workerURL, taskID string, chunkIndex int64) bool {
	progress, err := f.GetRemoteProgress(ctx, workerURL, taskID)
	if err != nil {
		return false
	}
	return chunkIndex <= progress.LastChunkIndex
}

// GetRemoteProgress fetches the worker's reported progress for a task.
func (f *Forwarder) GetRemoteProgress(ctx context.Context, workerURL, taskID string) (RemoteProgress, error) {
	url := strings.TrimSuffix(workerURL, "/") + "/api/v2/stream/" + taskID + "/progress"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RemoteProgress{}, fmt.Errorf("stream progress %s: %w", taskID, err)
	}
	req.Header.Set(HeaderInstanceSecret, f.cfg.InstanceSecret)

	resp, err := f.client.Do(req)
	if err != nil {
		return RemoteProgress{}, fmt.Errorf("stream progress %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RemoteProgress{}, fmt.Errorf("stream progress %s: status %d", taskID, resp.StatusCode)
	}
	var progress RemoteProgress
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		return RemoteProgress{}, fmt.Errorf("stream progress %s: %w", taskID, err)
	}
	return progress, nil
}

// ClearTask drops the retry counters of a finished task.
func (f *Forwarder) ClearTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := taskID + ":"
	for key := range f.retries {
		if strings.HasPrefix(key, prefix) {
			delete(f.retries, key)
		}
	}
}
