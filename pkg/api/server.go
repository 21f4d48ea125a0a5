// Package api is the instance HTTP surface: health probes, metrics,
// webhook intake, stream ingress and task management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// Server provides the instance HTTP server.
//
// Endpoints:
//   - GET  /health: Liveness probe
//   - GET  /health/ready: Readiness probe
//   - GET  /metrics: Prometheus metrics (when enabled)
//   - POST /api/tasks/{topic}: Signed webhook intake
//   - POST /api/v2/stream/{taskID}: Chunk ingress
//   - GET  /api/v2/stream/{taskID}/progress: Transfer watermark
//   - POST /api/v2/tasks/{taskID}/retry: Task retry
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server.
//
// The server is created in a stopped state. Call Start() to begin
// serving requests. Defaults are applied here so the server works
// correctly even when created directly (e.g., in tests).
func NewServer(config APIConfig, deps Dependencies) *Server {
	config.applyDefaults()

	router := NewRouter(deps, config.RequestTimeout)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
		// Bound the headers only; chunk posts stream bodies for as
		// long as the upload back-pressures. Stream handlers manage
		// their own connection deadlines.
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return &Server{
		server: server,
		config: config,
	}
}

// Start starts the API HTTP server and blocks until the context is
// cancelled or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and
// returns nil; a listen failure is returned as an error.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Don't use the cancelled ctx: it would abort shutdown immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Stop is safe to call multiple times and safe to call concurrently
// with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", "error", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}
