package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
	"github.com/mediaforge/mediaforge/pkg/metrics"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

// uploadChunkSize is the buffer size for streaming request bodies to disk.
const uploadChunkSize = 8 * 1024 * 1024

// listLimit caps the upload listing.
const listLimit = 100

// UploadHandler serves the upload endpoints.
type UploadHandler struct {
	registry *upload.Registry
	storage  config.StorageConfig
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(registry *upload.Registry, storage config.StorageConfig) *UploadHandler {
	return &UploadHandler{registry: registry, storage: storage}
}

// Upload handles POST /upload. The multipart body is streamed to the uploads
// directory in 8 MB chunks; the whole file is never buffered in memory.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		BadRequest(w, "expected a multipart/form-data body with a file field")
		return
	}

	var part *multipartFilePart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			BadRequest(w, "malformed multipart body: "+err.Error())
			return
		}
		if p.FormName() == "file" && p.FileName() != "" {
			part = &multipartFilePart{reader: p, filename: p.FileName()}
			break
		}
		_ = p.Close()
	}
	if part == nil {
		BadRequest(w, "missing file field")
		return
	}

	if err := os.MkdirAll(h.storage.UploadsDir, 0755); err != nil {
		InternalServerError(w, "failed to prepare uploads directory")
		return
	}

	uploadID := uuid.NewString()
	filename := filepath.Base(part.filename)
	filePath := filepath.Join(h.storage.UploadsDir, fmt.Sprintf("%s_%s", uploadID, filename))

	written, err := streamToFile(part.reader, filePath)
	if err != nil {
		logger.Error("Upload write failed", "path", filePath, "error", err)
		_ = os.Remove(filePath)
		InternalServerError(w, "failed to store uploaded file")
		return
	}
	sizeMB := float64(written) / (1024 * 1024)

	if _, err := h.registry.Create(r.Context(), filename, filePath, sizeMB, uploadID); err != nil {
		logger.Error("Upload record creation failed", "upload_id", uploadID, "error", err)
		_ = os.Remove(filePath)
		InternalServerError(w, "failed to register upload")
		return
	}

	metrics.UploadsStored.Inc()
	WriteJSONOK(w, map[string]any{
		"upload_id":      uploadID,
		"filename":       filename,
		"file_size_mb":   roundMB(sizeMB),
		"status":         "ready",
		"message":        "file uploaded, use this upload_id to create jobs",
		"create_job_url": "/jobs/create",
	})
}

type multipartFilePart struct {
	reader   io.ReadCloser
	filename string
}

// streamToFile copies the reader to path in fixed-size chunks and returns the
// byte count.
func streamToFile(r io.Reader, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, uploadChunkSize)
	return io.CopyBuffer(f, r, buf)
}

func roundMB(mb float64) float64 {
	return float64(int(mb*100+0.5)) / 100
}

// Get handles GET /upload/{uploadID}.
func (h *UploadHandler) Get(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	rec, err := h.registry.Get(r.Context(), uploadID)
	if errors.Is(err, upload.ErrNotFound) {
		NotFound(w, "upload not found or expired")
		return
	}
	if err != nil {
		InternalServerError(w, "failed to read upload record")
		return
	}

	WriteJSONOK(w, rec)
}

// List handles GET /uploads.
func (h *UploadHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context(), listLimit)
	if err != nil {
		InternalServerError(w, "failed to list uploads")
		return
	}

	WriteJSONOK(w, map[string]any{
		"uploads": records,
		"total":   len(records),
	})
}

// Delete handles DELETE /upload/{uploadID}. Refused while jobs still
// reference the upload.
func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	err := h.registry.DeleteManual(r.Context(), uploadID)
	switch {
	case errors.Is(err, upload.ErrNotFound):
		NotFound(w, "upload not found or expired")
		return
	case errors.Is(err, upload.ErrInUse):
		Conflict(w, "upload is referenced by active jobs and cannot be deleted")
		return
	case err != nil:
		InternalServerError(w, "failed to delete upload")
		return
	}

	WriteJSONOK(w, map[string]any{
		"message":   "upload deleted",
		"upload_id": uploadID,
	})
}
