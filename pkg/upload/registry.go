// Package upload implements the upload registry: every input file on the
// shared disk has a record in Valkey carrying its metadata and a reference
// count of the jobs currently using it.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/mediaforge/internal/logger"
)

// UnusedTTL is how long an upload record with ref_count == 0 survives before
// Valkey expires it. The on-disk file is reclaimed separately by the mtime
// sweep.
const UnusedTTL = 3 * time.Hour

// indexKey is the sorted set of all upload ids scored by creation time.
const indexKey = "uploads"

// ErrNotFound is returned when an upload record does not exist or has expired.
var ErrNotFound = errors.New("upload not found")

// ErrInUse is returned by DeleteManual when the upload still has active
// references.
var ErrInUse = errors.New("upload is referenced by active jobs")

// Record is the persisted upload record.
type Record struct {
	UploadID   string  `json:"upload_id"`
	Filename   string  `json:"filename"`
	FilePath   string  `json:"file_path"`
	FileSizeMB float64 `json:"file_size_mb"`
	UploadedAt string  `json:"uploaded_at"`
	RefCount   int     `json:"ref_count"`
	Status     string  `json:"status"`
}

// Registry tracks upload records in Valkey.
type Registry struct {
	rdb *redis.Client
}

// NewRegistry creates an upload registry backed by the given client.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func recordKey(uploadID string) string {
	return "upload:" + uploadID
}

// roundMB rounds a size to two decimals, matching the wire contract.
func roundMB(mb float64) float64 {
	return math.Round(mb*100) / 100
}

// Create writes a new upload record with ref_count 0 and the unused TTL
// attached, and indexes it for listing. When uploadID is empty a fresh UUID
// is minted. Returns the upload id.
func (r *Registry) Create(ctx context.Context, filename, filePath string, sizeMB float64, uploadID string) (string, error) {
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	rec := Record{
		UploadID:   uploadID,
		Filename:   filename,
		FilePath:   filePath,
		FileSizeMB: roundMB(sizeMB),
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
		RefCount:   0,
		Status:     "ready",
	}

	if err := r.write(ctx, &rec, UnusedTTL); err != nil {
		return "", err
	}

	now := float64(time.Now().UnixMicro()) / 1e6
	if err := r.rdb.ZAdd(ctx, indexKey, redis.Z{Score: now, Member: uploadID}).Err(); err != nil {
		return "", fmt.Errorf("failed to index upload: %w", err)
	}

	logger.Info("Upload created",
		"upload_id", uploadID,
		"filename", filename,
		"size_mb", rec.FileSizeMB,
		"unused_ttl", UnusedTTL.String(),
	)
	return uploadID, nil
}

// Get returns the upload record, or ErrNotFound if missing or expired.
func (r *Registry) Get(ctx context.Context, uploadID string) (*Record, error) {
	data, err := r.rdb.Get(ctx, recordKey(uploadID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode upload record: %w", err)
	}
	return &rec, nil
}

// IncrementRef increases the reference count by one and clears the TTL so the
// record survives for as long as jobs reference it.
func (r *Registry) IncrementRef(ctx context.Context, uploadID string) error {
	rec, err := r.Get(ctx, uploadID)
	if err != nil {
		return err
	}

	rec.RefCount++
	if err := r.write(ctx, rec, 0); err != nil {
		return err
	}
	if err := r.rdb.Persist(ctx, recordKey(uploadID)).Err(); err != nil {
		return fmt.Errorf("failed to clear upload TTL: %w", err)
	}

	logger.Info("Upload ref incremented", "upload_id", uploadID, "ref_count", rec.RefCount)
	return nil
}

// DecrementRef decreases the reference count by one. When autoDelete is set
// and the count reaches zero the file and record are removed immediately;
// otherwise the record is kept and the mtime sweep reclaims the file later.
func (r *Registry) DecrementRef(ctx context.Context, uploadID string, autoDelete bool) error {
	rec, err := r.Get(ctx, uploadID)
	if err != nil {
		return err
	}

	rec.RefCount--
	logger.Info("Upload ref decremented", "upload_id", uploadID, "ref_count", rec.RefCount)

	if autoDelete && rec.RefCount <= 0 {
		r.delete(ctx, rec)
		logger.Info("Upload auto-deleted", "upload_id", uploadID)
		return nil
	}

	if err := r.write(ctx, rec, 0); err != nil {
		return err
	}
	if rec.RefCount <= 0 {
		logger.Info("Upload unreferenced, cleanup sweep will reclaim it", "upload_id", uploadID)
	}
	return nil
}

// List returns up to limit upload records, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]*Record, error) {
	ids, err := r.rdb.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			// Record expired but index entry lingers; skip it.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteManual removes the upload file and record, refusing with ErrInUse
// when the reference count is positive.
func (r *Registry) DeleteManual(ctx context.Context, uploadID string) error {
	rec, err := r.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if rec.RefCount > 0 {
		logger.Warn("Upload delete refused", "upload_id", uploadID, "ref_count", rec.RefCount)
		return ErrInUse
	}

	r.delete(ctx, rec)
	return nil
}

// write persists the record. A zero ttl writes without expiry, which also
// drops any expiry previously attached to the key.
func (r *Registry) write(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode upload record: %w", err)
	}
	if err := r.rdb.Set(ctx, recordKey(rec.UploadID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write upload record: %w", err)
	}
	return nil
}

// delete removes the physical file and the record. Filesystem errors are
// logged and swallowed; the record is removed regardless.
func (r *Registry) delete(ctx context.Context, rec *Record) {
	if rec.FilePath != "" {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete upload file", "path", rec.FilePath, "error", err)
		}
	}
	if err := r.rdb.Del(ctx, recordKey(rec.UploadID)).Err(); err != nil {
		logger.Error("Failed to delete upload record", "upload_id", rec.UploadID, "error", err)
	}
	if err := r.rdb.ZRem(ctx, indexKey, rec.UploadID).Err(); err != nil {
		logger.Error("Failed to unindex upload", "upload_id", rec.UploadID, "error", err)
	}
	logger.Info("Upload deleted", "upload_id", rec.UploadID)
}
