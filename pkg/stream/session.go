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

// Session defaults.
const (
	DefaultUIEditEvery     = 20
	DefaultProgressEvery   = 50
	DefaultStaleTimeout    = 5 * time.Minute
	DefaultJanitorInterval = 60 * time.Second
)

// Notifier pushes transfer progress to the originating chat. Optional.
type Notifier interface {
	EditProgress(ctx context.Context, chatID, msgID, uploadedBytes, totalSize int64)
}

// Completer finalizes a transfer on the task side.
type Completer interface {
	FinishTask(ctx context.Context, taskID string) error
	ReportError(ctx context.Context, taskID, reason string) error
}

// SessionConfig tunes the worker-side session manager.
type SessionConfig struct {
	// InstanceSecret authenticates inter-instance chunk posts.
	// A capability: hold it, never log it.
	InstanceSecret string

	// UIEditEvery pushes a chat progress edit every N chunks.
	UIEditEvery int

	// ProgressEvery persists and reports progress every N chunks.
	ProgressEvery int

	// StaleTimeout kills sessions silent for this long. Default: 5m.
	StaleTimeout time.Duration

	// JanitorInterval is the stale sweep cadence. Default: 60s.
	JanitorInterval time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.UIEditEvery <= 0 {
		c.UIEditEvery = DefaultUIEditEvery
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
}

type session struct {
	taskID string
	meta   Metadata
	sink   UploadSink

	mu             sync.Mutex
	uploadedBytes  int64
	lastChunkIndex int64
	chunkCount     int64
	lastSeen       time.Time
}

// Sessions is the worker-side chunk ingress: one session per task
// bridging inbound chunks to an upload sink.
type Sessions struct {
	cfg      SessionConfig
	sinks    SinkFactory
	tracker  *Tracker
	notify   Notifier
	complete Completer
	client   *http.Client

	mu       sync.Mutex
	sessions map[string]*session

	loopMu   sync.Mutex
	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewSessions creates the session manager. notify may be nil.
func NewSessions(cfg SessionConfig, sinks SinkFactory, tracker *Tracker, notify Notifier, complete Completer) *Sessions {
	cfg.applyDefaults()
	return &Sessions{
		cfg:      cfg,
		sinks:    sinks,
		tracker:  tracker,
		notify:   notify,
		complete: complete,
		client:   &http.Client{Timeout: 10 * time.Second},
		sessions: make(map[string]*session),
	}
}

// IngestChunk handles one inbound chunk and returns the HTTP status to
// answer with. Chunks at or below the session watermark are dropped as
// retransmissions and acknowledged.
func (s *Sessions) IngestChunk(ctx context.Context, taskID, secret string, meta Metadata, body io.Reader) (int, error) {
	if !s.VerifySecret(secret) {
		return http.StatusUnauthorized, fmt.Errorf("stream %s: bad instance secret", taskID)
	}

	sess, err := s.getOrStart(ctx, taskID, meta)
	if err != nil {
		return http.StatusInternalServerError, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeen = time.Now()

	if meta.ChunkIndex <= sess.lastChunkIndex {
		logger.Debug("retransmitted chunk dropped",
			logger.KeyTaskID, taskID, logger.KeyChunkIndex, meta.ChunkIndex)
		return http.StatusOK, nil
	}

	n, err := io.Copy(sess.sink, body)
	if err != nil {
		s.abort(ctx, sess, fmt.Sprintf("chunk write failed: %v", err))
		return http.StatusInternalServerError, fmt.Errorf("stream %s: %w", taskID, err)
	}
	sess.uploadedBytes += n
	sess.lastChunkIndex = meta.ChunkIndex
	sess.chunkCount++

	if s.notify != nil && sess.chunkCount%int64(s.cfg.UIEditEvery) == 0 {
		s.notify.EditProgress(ctx, meta.ChatID, meta.MsgID, sess.uploadedBytes, meta.TotalSize)
	}
	if sess.chunkCount%int64(s.cfg.ProgressEvery) == 0 {
		s.persistProgress(ctx, sess)
		s.reportProgress(ctx, sess)
	}

	if meta.IsLast {
		return s.finishLocked(ctx, sess)
	}
	return http.StatusOK, nil
}

// getOrStart returns the task's session, starting one on first chunk.
// New sessions pick up the persisted watermark so retransmissions after
// a worker restart are still dropped.
func (s *Sessions) getOrStart(ctx context.Context, taskID string, meta Metadata) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[taskID]; ok {
		return sess, nil
	}

	watermark := int64(-1)
	if saved, err := s.tracker.Load(ctx, taskID); err == nil && saved != nil {
		watermark = saved.LastChunkIndex
	}

	sink, err := s.sinks.NewSink(ctx, taskID, meta)
	if err != nil {
		return nil, fmt.Errorf("stream %s: open sink: %w", taskID, err)
	}

	sess := &session{
		taskID:         taskID,
		meta:           meta,
		sink:           sink,
		lastChunkIndex: watermark,
		lastSeen:       time.Now(),
	}
	s.sessions[taskID] = sess
	logger.Info("stream session started",
		logger.KeyTaskID, taskID, logger.KeyFileName, meta.FileName)
	return sess, nil
}

// finishLocked closes the sink and settles the task. Callers hold the
// session mutex.
func (s *Sessions) finishLocked(ctx context.Context, sess *session) (int, error) {
	if err := sess.sink.Close(); err != nil {
		s.abort(ctx, sess, fmt.Sprintf("sink close failed: %v", err))
		return http.StatusInternalServerError, fmt.Errorf("stream %s: %w", sess.taskID, err)
	}

	err := sess.sink.Wait()
	s.remove(sess.taskID)

	if err != nil {
		if cErr := s.complete.ReportError(ctx, sess.taskID, err.Error()); cErr != nil {
			logger.Error("report error failed",
				logger.KeyTaskID, sess.taskID, logger.KeyError, cErr.Error())
		}
		return http.StatusInternalServerError, fmt.Errorf("stream %s: %w", sess.taskID, err)
	}

	if err := s.tracker.Reset(ctx, sess.taskID); err != nil {
		logger.Warn("progress reset failed",
			logger.KeyTaskID, sess.taskID, logger.KeyError, err.Error())
	}
	if err := s.complete.FinishTask(ctx, sess.taskID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("stream %s: %w", sess.taskID, err)
	}
	logger.Info("stream session finished",
		logger.KeyTaskID, sess.taskID, logger.KeySize, sess.uploadedBytes)
	return http.StatusOK, nil
}

// abort tears a session down after an error. The subprocess or upload
// behind the sink is terminated.
func (s *Sessions) abort(ctx context.Context, sess *session, reason string) {
	sess.sink.Abort()
	s.remove(sess.taskID)
	if err := s.complete.ReportError(ctx, sess.taskID, reason); err != nil {
		logger.Error("report error failed",
			logger.KeyTaskID, sess.taskID, logger.KeyError, err.Error())
	}
	logger.Warn("stream session aborted",
		logger.KeyTaskID, sess.taskID, "reason", reason)
}

func (s *Sessions) remove(taskID string) {
	s.mu.Lock()
	delete(s.sessions, taskID)
	s.mu.Unlock()
}

func (s *Sessions) persistProgress(ctx context.Context, sess *session) {
	err := s.tracker.Save(ctx, Progress{
		TaskID:         sess.taskID,
		FileName:       sess.meta.FileName,
		UserID:         sess.meta.UserID,
		LastChunkIndex: sess.lastChunkIndex,
		UploadedBytes:  sess.uploadedBytes,
		TotalSize:      sess.meta.TotalSize,
	})
	if err != nil {
		logger.Warn("progress persist failed",
			logger.KeyTaskID, sess.taskID, logger.KeyError, err.Error())
	}
}

// reportProgress posts the watermark back to the leader. Best effort.
func (s *Sessions) reportProgress(ctx context.Context, sess *session) {
	if sess.meta.LeaderURL == "" {
		return
	}
	payload, _ := json.Marshal(map[string]int64{
		"lastChunkIndex": sess.lastChunkIndex,
		"uploadedBytes":  sess.uploadedBytes,
	})
	url := strings.TrimSuffix(sess.meta.LeaderURL, "/") + "/api/v2/stream/" + sess.taskID + "/progress"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInstanceSecret, s.cfg.InstanceSecret)
	resp, err := s.client.Do(req)
	if err != nil {
		logger.Debug("progress report failed",
			logger.KeyTaskID, sess.taskID, logger.KeyError, err.Error())
		return
	}
	_ = resp.Body.Close()
}

// VerifySecret checks the inter-instance credential presented on a
// stream route. Every stream endpoint gates on it, the progress read
// included.
func (s *Sessions) VerifySecret(secret string) bool {
	return secret == s.cfg.InstanceSecret
}

// SessionProgress returns the live watermark for a task's session.
func (s *Sessions) SessionProgress(taskID string) (lastChunkIndex, uploadedBytes int64, ok bool) {
	s.mu.Lock()
	sess, found := s.sessions[taskID]
	s.mu.Unlock()
	if !found {
		return 0, 0, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastChunkIndex, sess.uploadedBytes, true
}

// ActiveSessions is the number of in-flight transfers.
func (s *Sessions) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartJanitor launches the stale-session sweep.
func (s *Sessions) StartJanitor() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.janitorLoop(s.stopCh, s.loopDone)
}

// StopJanitor halts the sweep and aborts every live session.
func (s *Sessions) StopJanitor() {
	s.loopMu.Lock()
	stop, done := s.stopCh, s.loopDone
	s.stopCh = nil
	s.loopMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		s.abort(context.Background(), sess, "shutting down")
	}
}

func (s *Sessions) janitorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

// sweepStale kills sessions whose last chunk is older than the stale
// timeout. The registry lock is released before any session lock is
// taken: IngestChunk holds the session lock while abort re-enters the
// registry, so nesting them here would invert the lock order.
func (s *Sessions) sweepStale() {
	cutoff := time.Now().Add(-s.cfg.StaleTimeout)

	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.mu.Lock()
		stale := sess.lastSeen.Before(cutoff)
		sess.mu.Unlock()
		if stale {
			s.abort(context.Background(), sess, "session stale")
		}
	}
}
