package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/cleanup"
	"github.com/mediaforge/mediaforge/pkg/config"
)

// SystemHandler serves the landing page, health probe and manual reset.
type SystemHandler struct {
	rdb     *redis.Client
	storage config.StorageConfig
	version string
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(rdb *redis.Client, storage config.StorageConfig, version string) *SystemHandler {
	return &SystemHandler{rdb: rdb, storage: storage, version: version}
}

// Index handles GET /: a JSON index of the API.
func (h *SystemHandler) Index(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]any{
		"service": "mediaforge",
		"version": h.version,
		"status":  "online",
		"endpoints": map[string]any{
			"uploads": map[string]string{
				"POST /upload":        "upload a media file, returns upload_id",
				"GET /upload/{id}":    "upload record",
				"DELETE /upload/{id}": "delete an unreferenced upload",
				"GET /uploads":        "list uploads, newest first",
			},
			"jobs": map[string]string{
				"POST /jobs/create":       "create a job from an upload (form: upload_id, job_type, parameters)",
				"GET /jobs/status/{id}":   "job record",
				"GET /jobs/queue":         "queue counters and pending jobs",
				"GET /jobs/download/{id}": "download the result of a completed job",
				"DELETE /jobs/{id}":       "cancel a pending job",
				"GET /jobs/stats":         "aggregate counters",
			},
			"system": map[string]string{
				"GET /health":   "liveness probe",
				"DELETE /reset": "delete every file in the storage directories",
			},
		},
	})
}

// Health handles GET /health. Reports unhealthy when the store is
// unreachable; everything else in the system is stateless.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	WriteJSONOK(w, map[string]any{"status": "healthy"})
}

// Reset handles DELETE /reset: an immediate TTL-zero sweep over all storage
// directories.
func (h *SystemHandler) Reset(w http.ResponseWriter, r *http.Request) {
	logger.Warn("Manual reset requested, deleting all stored files")
	res := cleanup.SweepAll(h.storage, 0)

	WriteJSONOK(w, map[string]any{
		"status":         "success",
		"message":        "storage directories swept",
		"files_deleted":  res.FilesDeleted,
		"space_freed_mb": res.SpaceFreedMB,
		"errors":         res.Errors,
	})
}
