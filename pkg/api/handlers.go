package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/queue"
	"github.com/relaymesh/relaymesh/pkg/stream"
	"github.com/relaymesh/relaymesh/pkg/task"
)

// TopicDispatcher routes a verified inbound webhook message to its
// topic handler.
type TopicDispatcher func(ctx context.Context, topic string, body []byte) error

// Dependencies wires the handlers to the relay's capabilities. Any
// field may be nil; its routes then answer 503.
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Queue       *queue.Service
	Tasks       *task.Manager
	Sessions    *stream.Sessions
	Tracker     *stream.Tracker
	Dispatch    TopicDispatcher
}

type handlers struct {
	deps Dependencies
}

// ===========================================================================
// Health
// ===========================================================================

func (h *handlers) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(map[string]string{"state": "alive"}))
}

// readiness answers 200 once the instance is registered and its
// coordination store is reachable.
func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	if h.deps.Coordinator == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("coordinator not running"))
		return
	}

	leader, err := h.deps.Coordinator.IsLeader(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("coordination store unreachable"))
		return
	}
	data := map[string]any{
		"instance_id": h.deps.Coordinator.InstanceID(),
		"leader":      leader,
	}
	writeJSON(w, http.StatusOK, okResponse(data))
}

// ===========================================================================
// Webhook intake
// ===========================================================================

// webhookIntake is the instance-side endpoint behind the load
// balancer: verify the signature again, then dispatch by topic.
func (h *handlers) webhookIntake(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil || h.deps.Dispatch == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("queue not running"))
		return
	}

	topic := chi.URLParam(r, "topic")
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("read failed"))
		return
	}

	signature := r.Header.Get("Signature")
	timestamp := r.Header.Get("Timestamp")
	if !h.deps.Queue.VerifyWebhookSignature(signature, timestamp, body) {
		logger.Warn("webhook rejected", logger.KeyTopic, topic)
		writeJSON(w, http.StatusInternalServerError, errorResponse("verification failed"))
		return
	}

	if err := h.deps.Dispatch(r.Context(), topic, body); err != nil {
		logger.Warn("webhook dispatch failed",
			logger.KeyTopic, topic, logger.KeyError, err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// ===========================================================================
// Stream ingress
// ===========================================================================

// streamAuthorized checks that the stream subsystem is running and the
// caller holds the inter-instance secret. All stream routes gate on
// both, progress reads included.
func (h *handlers) streamAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("stream ingress not running"))
		return false
	}
	if !h.deps.Sessions.VerifySecret(r.Header.Get(stream.HeaderInstanceSecret)) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("bad instance secret"))
		return false
	}
	return true
}

func (h *handlers) streamChunk(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("stream ingress not running"))
		return
	}

	// The body read back-pressures on the upload sink; lift the
	// connection deadlines so a slow upload does not kill the post
	// mid-body. Session staleness bounds the transfer instead.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	taskID := chi.URLParam(r, "taskID")
	meta, err := stream.ParseMetadata(r.Header)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	secret := r.Header.Get(stream.HeaderInstanceSecret)
	status, err := h.deps.Sessions.IngestChunk(r.Context(), taskID, secret, meta, r.Body)
	if err != nil {
		writeJSON(w, status, errorResponse(err.Error()))
		return
	}
	writeJSON(w, status, okResponse(nil))
}

func (h *handlers) streamProgress(w http.ResponseWriter, r *http.Request) {
	if !h.streamAuthorized(w, r) {
		return
	}
	taskID := chi.URLParam(r, "taskID")

	if lastChunkIndex, uploadedBytes, ok := h.deps.Sessions.SessionProgress(taskID); ok {
		writeJSON(w, http.StatusOK, map[string]int64{
			"lastChunkIndex": lastChunkIndex,
			"uploadedBytes":  uploadedBytes,
		})
		return
	}

	// No live session: fall back to persisted progress.
	if h.deps.Tracker != nil {
		saved, err := h.deps.Tracker.Load(r.Context(), taskID)
		if err == nil && saved != nil {
			writeJSON(w, http.StatusOK, map[string]int64{
				"lastChunkIndex": saved.LastChunkIndex,
				"uploadedBytes":  saved.UploadedBytes,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"lastChunkIndex": -1,
		"uploadedBytes":  0,
	})
}

// progressReport receives worker watermark posts on the leader side.
func (h *handlers) progressReport(w http.ResponseWriter, r *http.Request) {
	if !h.streamAuthorized(w, r) {
		return
	}

	var report stream.RemoteProgress
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad progress payload"))
		return
	}
	logger.Debug("progress report received",
		logger.KeyTaskID, chi.URLParam(r, "taskID"),
		logger.KeyChunkIndex, report.LastChunkIndex)
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// ===========================================================================
// Tasks
// ===========================================================================

func (h *handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("task manager not running"))
		return
	}

	taskID := chi.URLParam(r, "taskID")
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}

	result, err := h.deps.Tasks.RetryTask(r.Context(), taskID, source)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if !result.Success {
		writeJSON(w, result.StatusCode, errorResponse(result.Message))
		return
	}
	writeJSON(w, result.StatusCode, okResponse(map[string]string{"message": result.Message}))
}

// taskStatus receives cross-instance task state updates, posted by the
// leader when a streamed transfer finishes or fails.
func (h *handlers) taskStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("task manager not running"))
		return
	}

	taskID := chi.URLParam(r, "taskID")
	var report task.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("bad status payload"))
		return
	}
	if err := h.deps.Tasks.ReportStatus(r.Context(), taskID, report); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

func (h *handlers) taskCounters(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("task manager not running"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]int{
		"processing": h.deps.Tasks.ProcessingCount(),
		"waiting":    h.deps.Tasks.WaitingCount(),
	}))
}

// ===========================================================================
// Queue inspection
// ===========================================================================

func (h *handlers) breakerStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("queue not running"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(h.deps.Queue.CircuitBreakerStatus()))
}

func (h *handlers) breakerReset(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("queue not running"))
		return
	}
	h.deps.Queue.ResetCircuitBreaker()
	writeJSON(w, http.StatusOK, okResponse(nil))
}
