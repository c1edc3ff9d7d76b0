// Package cleanup reclaims disk space by deleting files whose modification
// time has aged past a TTL. It is the only reaper of on-disk files: upload
// and job records in Valkey expire on their own, the bytes on the shared
// disk do not.
package cleanup

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
	"github.com/mediaforge/mediaforge/pkg/metrics"
)

// Result summarizes one directory sweep.
type Result struct {
	FilesDeleted int     `json:"files_deleted"`
	SpaceFreedMB float64 `json:"space_freed_mb"`
	Errors       int     `json:"errors"`
}

// add folds another sweep into the result.
func (r *Result) add(other Result) {
	r.FilesDeleted += other.FilesDeleted
	r.SpaceFreedMB = math.Round((r.SpaceFreedMB+other.SpaceFreedMB)*100) / 100
	r.Errors += other.Errors
}

// Sweep deletes regular files in dir older than ttl, judged by modification
// time. Subdirectories are left alone. A ttl of zero deletes everything.
// Per-file failures are counted, not fatal; a missing directory is a no-op.
func Sweep(dir string, ttl time.Duration) Result {
	var res Result

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Sweep directory does not exist", "dir", dir)
			return res
		}
		logger.Error("Failed to list sweep directory", "dir", dir, "error", err)
		res.Errors++
		return res
	}

	cutoff := time.Now().Add(-ttl)
	var freed int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Error("Failed to stat file", "path", path, "error", err)
			res.Errors++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		size := info.Size()
		if err := os.Remove(path); err != nil {
			logger.Error("Failed to delete file", "path", path, "error", err)
			res.Errors++
			continue
		}

		res.FilesDeleted++
		freed += size
		logger.Info("Deleted expired file",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Minute).String(),
			"size_mb", math.Round(float64(size)/(1024*1024)*100)/100,
		)
	}

	res.SpaceFreedMB = math.Round(float64(freed)/(1024*1024)*100) / 100

	metrics.CleanupFilesDeleted.WithLabelValues(filepath.Base(dir)).Add(float64(res.FilesDeleted))
	metrics.CleanupBytesFreed.WithLabelValues(filepath.Base(dir)).Add(float64(freed))
	return res
}

// SweepAll sweeps the results, uploads and scratch directories with the same
// ttl and returns the combined result.
func SweepAll(storage config.StorageConfig, ttl time.Duration) Result {
	var res Result
	for _, dir := range []string{storage.ResultsDir, storage.UploadsDir, storage.ScratchDir} {
		res.add(Sweep(dir, ttl))
	}
	return res
}

// Loop runs periodic sweeps until the context is cancelled. The first sweep
// waits for the startup delay so a restarting worker is not immediately
// competing with disk IO.
func Loop(ctx context.Context, cfg config.CleanupConfig, storage config.StorageConfig) {
	logger.Info("Cleanup loop starting",
		"startup_delay", cfg.StartupDelay.String(),
		"interval", cfg.Interval.String(),
		"file_ttl", cfg.TTL.String(),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.StartupDelay):
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		res := SweepAll(storage, cfg.TTL)
		logger.Info("Cleanup sweep finished",
			"files_deleted", res.FilesDeleted,
			"space_freed_mb", res.SpaceFreedMB,
			"errors", res.Errors,
		)

		select {
		case <-ctx.Done():
			logger.Info("Cleanup loop stopped")
			return
		case <-ticker.C:
		}
	}
}
