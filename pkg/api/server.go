package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
)

// Server provides the HTTP server for the REST API.
//
// The server supports graceful shutdown with a configurable timeout.
type Server struct {
	server       *http.Server
	cfg          config.APIConfig
	shutdownOnce sync.Once
}

// NewServer creates the API HTTP server around an already-built router.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests. Only the header read is bounded by ReadTimeout; bodies stream
// for as long as the client keeps sending.
func NewServer(cfg config.APIConfig, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		cfg: cfg,
	}
}

// Start starts the server and blocks until the context is cancelled or the
// listener fails. Cancellation triggers graceful shutdown bounded by the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and safe to
// call concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", "error", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}
