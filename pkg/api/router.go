// Package api provides the HTTP server for the mediaforge REST API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/api/handlers"
	"github.com/mediaforge/mediaforge/pkg/config"
	"github.com/mediaforge/mediaforge/pkg/metrics"
	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET / - JSON endpoint index
//   - GET /health - Liveness probe
//   - DELETE /reset - TTL-zero sweep of all storage directories
//   - POST /upload - Streaming file upload
//   - GET /upload/{uploadID} - Upload record
//   - DELETE /upload/{uploadID} - Manual upload deletion
//   - GET /uploads - Upload listing
//   - POST /jobs/create - Job creation from an upload
//   - GET /jobs/status/{jobID} - Job record
//   - GET /jobs/queue - Queue counters and pending jobs
//   - GET /jobs/download/{jobID} - Result download
//   - DELETE /jobs/{jobID} - Job cancellation
//   - GET /jobs/stats - Aggregate counters
//
// No global request timeout is installed: upload and download bodies are
// arbitrarily large.
func NewRouter(rdb *redis.Client, q *queue.Queue, registry *upload.Registry, storage config.StorageConfig, metricsCfg config.MetricsConfig, version string) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	systemHandler := handlers.NewSystemHandler(rdb, storage, version)
	uploadHandler := handlers.NewUploadHandler(registry, storage)
	jobHandler := handlers.NewJobHandler(q, registry)

	r.Get("/", systemHandler.Index)
	r.Get("/health", systemHandler.Health)
	r.Delete("/reset", systemHandler.Reset)

	r.Post("/upload", uploadHandler.Upload)
	r.Get("/uploads", uploadHandler.List)
	r.Route("/upload/{uploadID}", func(r chi.Router) {
		r.Get("/", uploadHandler.Get)
		r.Delete("/", uploadHandler.Delete)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/create", jobHandler.Create)
		r.Get("/status/{jobID}", jobHandler.Status)
		r.Get("/queue", jobHandler.Queue)
		r.Get("/download/{jobID}", jobHandler.Download)
		r.Get("/stats", jobHandler.Stats)
		r.Delete("/{jobID}", jobHandler.Cancel)
	})

	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, metrics.Handler())
	}

	return r
}

// requestLogger logs requests using the internal logger.
//
// Request start is logged at DEBUG, completion at INFO. Health probes are
// logged at DEBUG to keep orchestrator polling out of the logs.
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

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}

		if r.URL.Path == "/health" {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
