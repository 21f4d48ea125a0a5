package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/metrics"
)

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
func NewRouter(deps Dependencies, requestTimeout time.Duration) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.liveness)
		r.Get("/ready", h.readiness)
	})
	r.Handle("/metrics", metrics.Handler())

	// Webhook intake and task management carry the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/api/tasks/{topic}", h.webhookIntake)
		r.Post("/api/v2/tasks/{taskID}/retry", h.retryTask)
		r.Post("/api/v2/tasks/{taskID}/status", h.taskStatus)
		r.Get("/api/v2/tasks/counters", h.taskCounters)
		r.Get("/api/v2/queue/breaker", h.breakerStatus)
		r.Post("/api/v2/queue/breaker/reset", h.breakerReset)
	})

	// Stream ingress is exempt from the request timeout: chunk posts
	// block on upload back-pressure and are bounded by session state.
	r.Post("/api/v2/stream/{taskID}", h.streamChunk)
	r.Get("/api/v2/stream/{taskID}/progress", h.streamProgress)
	r.Post("/api/v2/stream/{taskID}/progress", h.progressReport)

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the
// internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
