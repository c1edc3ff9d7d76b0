package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

// queueListLimit caps the pending-job listing on /jobs/queue.
const queueListLimit = 50

// mimeTypes maps output extensions to download content types.
var mimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".webp": "image/webp",
	".json": "application/json",
}

// JobHandler serves the job endpoints.
type JobHandler struct {
	queue    *queue.Queue
	registry *upload.Registry
}

// NewJobHandler creates a job handler.
func NewJobHandler(q *queue.Queue, registry *upload.Registry) *JobHandler {
	return &JobHandler{queue: q, registry: registry}
}

// Create handles POST /jobs/create (form-encoded): upload_id, job_type and an
// optional parameters field carrying a JSON object.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		BadRequest(w, "malformed form body")
		return
	}

	uploadID := r.PostFormValue("upload_id")
	jobType := queue.Type(r.PostFormValue("job_type"))
	rawParams := r.PostFormValue("parameters")
	if rawParams == "" {
		rawParams = "{}"
	}

	if uploadID == "" {
		BadRequest(w, "upload_id is required")
		return
	}
	if !queue.KnownType(jobType) {
		BadRequest(w, fmt.Sprintf("invalid job type %q, valid types: %s", jobType, typeNames()))
		return
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		BadRequest(w, "parameters must be a valid JSON object")
		return
	}

	rec, err := h.registry.Get(r.Context(), uploadID)
	if errors.Is(err, upload.ErrNotFound) {
		NotFound(w, "upload not found or expired")
		return
	}
	if err != nil {
		InternalServerError(w, "failed to read upload record")
		return
	}

	jobID, err := h.queue.Create(r.Context(), queue.CreateRequest{
		Type:             jobType,
		UploadID:         uploadID,
		InputFile:        rec.FilePath,
		OriginalFilename: rec.Filename,
		FileSizeMB:       rec.FileSizeMB,
		Parameters:       params,
	})
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	priority := queue.PriorityName(queue.DefaultPriority(jobType))
	WriteJSONOK(w, map[string]any{
		"job_id":       jobID,
		"upload_id":    uploadID,
		"job_type":     jobType,
		"status":       string(queue.StatusPending),
		"priority":     priority,
		"message":      fmt.Sprintf("job created with %s priority", strings.ToUpper(priority)),
		"status_url":   "/jobs/status/" + jobID,
		"download_url": "/jobs/download/" + jobID,
	})
}

func typeNames() string {
	types := queue.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// Status handles GET /jobs/status/{jobID}, returning the job record verbatim.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.queue.GetStatus(r.Context(), jobID)
	if errors.Is(err, queue.ErrNotFound) {
		NotFound(w, "job not found")
		return
	}
	if err != nil {
		InternalServerError(w, "failed to read job record")
		return
	}

	WriteJSONOK(w, job)
}

// Queue handles GET /jobs/queue: counters plus the pending jobs in service
// order.
func (h *JobHandler) Queue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		InternalServerError(w, "failed to read queue stats")
		return
	}

	pending, err := h.queue.ListPending(r.Context(), queueListLimit)
	if err != nil {
		InternalServerError(w, "failed to list pending jobs")
		return
	}

	WriteJSONOK(w, map[string]any{
		"stats":         stats,
		"pending_jobs":  pending,
		"total_pending": len(pending),
	})
}

// Download handles GET /jobs/download/{jobID}: streams the output file with
// the content type inferred from its extension.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.queue.GetStatus(r.Context(), jobID)
	if errors.Is(err, queue.ErrNotFound) {
		NotFound(w, "job not found")
		return
	}
	if err != nil {
		InternalServerError(w, "failed to read job record")
		return
	}

	if job.Status != queue.StatusCompleted {
		WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":    fmt.Sprintf("job not completed, current status: %s", job.Status),
			"status":   job.Status,
			"progress": job.Progress,
		})
		return
	}
	if job.OutputFile == nil {
		InternalServerError(w, "completed job has no output file")
		return
	}

	outputFile := *job.OutputFile
	if _, err := os.Stat(outputFile); err != nil {
		NotFound(w, "result file not found or already expired")
		return
	}

	ext := strings.ToLower(filepath.Ext(outputFile))
	contentType, ok := mimeTypes[ext]
	if !ok {
		contentType = "application/octet-stream"
	}

	// Name the download after the original upload, with the output extension.
	original := job.Metadata.OriginalFilename
	base := strings.TrimSuffix(original, filepath.Ext(original))
	if base == "" {
		base = jobID
	}
	downloadName := base + ext

	logger.Info("Serving job result", "job_id", jobID, "path", outputFile, "content_type", contentType)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	http.ServeFile(w, r, outputFile)
}

// Cancel handles DELETE /jobs/{jobID}. Only pending jobs can be cancelled;
// cancelling an already-terminal job is an idempotent no-op.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	cancelled, err := h.queue.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		NotFound(w, "job not found")
		return
	case errors.Is(err, queue.ErrNotCancellable):
		BadRequest(w, "job is already processing and cannot be cancelled")
		return
	case err != nil:
		InternalServerError(w, "failed to cancel job")
		return
	}

	if !cancelled {
		job, err := h.queue.GetStatus(r.Context(), jobID)
		if err != nil {
			InternalServerError(w, "failed to read job record")
			return
		}
		WriteJSONOK(w, map[string]any{
			"message": fmt.Sprintf("job is already %s", job.Status),
			"status":  job.Status,
		})
		return
	}

	WriteJSONOK(w, map[string]any{
		"message": "job cancelled",
		"job_id":  jobID,
	})
}

// Stats handles GET /jobs/stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		InternalServerError(w, "failed to read queue stats")
		return
	}

	WriteJSONOK(w, map[string]any{
		"queue": map[string]any{
			"pending":    stats.Pending,
			"processing": stats.Processing,
		},
		"completed": map[string]any{
			"last_8_hours": stats.Completed8h,
		},
		"failed": map[string]any{
			"last_7_days": stats.Failed7d,
		},
		"total_active": stats.Pending + stats.Processing,
	})
}
