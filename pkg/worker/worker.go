// Package worker implements the job processor: a single loop that drains the
// queue serially, one job at a time. Serial execution is deliberate; ffmpeg
// saturates the machine on its own and two concurrent encodes just thrash.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/config"
	"github.com/mediaforge/mediaforge/pkg/metrics"
	"github.com/mediaforge/mediaforge/pkg/queue"
)

// MediaEngine is the slice of the media engine the worker dispatches to.
type MediaEngine interface {
	GetVideoMetadata(ctx context.Context, inputPath string) (map[string]any, error)
	ExtractAudio(ctx context.Context, inputPath, outputPath string, quality int) error
	CompressVideo(ctx context.Context, inputPath, outputPath string, crf, fps int, audioBitrate string, maxThreads int) error
	CutAudio(ctx context.Context, inputPath, outputPath, start, end string) error
	ConcatAudios(ctx context.Context, inputPaths []string, outputPath string) error
	CaptureFrame(ctx context.Context, inputPath, outputPath, timestamp string, quality int) error
	ConvertToMP4(ctx context.Context, inputPath, outputPath string, maxThreads int, forceReencode bool) error
}

// RefReleaser releases a job's hold on its upload once processing ends.
type RefReleaser interface {
	DecrementRef(ctx context.Context, uploadID string, autoDelete bool) error
}

// Compression defaults for compress_video.
const (
	defaultCRF          = 28
	defaultFPS          = 30
	defaultAudioBitrate = "128k"
)

// Worker drains the job queue.
type Worker struct {
	queue   *queue.Queue
	uploads RefReleaser
	engine  MediaEngine
	cfg     config.WorkerConfig
	storage config.StorageConfig
}

// New creates a worker.
func New(q *queue.Queue, uploads RefReleaser, engine MediaEngine, cfg config.WorkerConfig, storage config.StorageConfig) *Worker {
	return &Worker{
		queue:   q,
		uploads: uploads,
		engine:  engine,
		cfg:     cfg,
		storage: storage,
	}
}

// Run reconciles leftover state and then processes jobs until the context is
// cancelled. A job already underway when shutdown arrives runs to completion;
// only the loop itself stops.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	logger.Info("Worker started, waiting for jobs",
		"poll_interval", w.cfg.PollInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker stopped")
			return nil
		default:
		}

		jobID, ok, err := w.queue.PopNext(ctx)
		if err != nil {
			logger.Error("Queue poll failed", "error", err)
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if !ok {
			if !sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		// The running job must survive shutdown cancellation.
		w.ProcessJob(context.WithoutCancel(ctx), jobID)
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ProcessJob runs a single job end to end: processing transition, dispatch to
// the media engine, output verification, terminal transition and upload
// release. Failures land in the job record, not in a return value.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) {
	job, err := w.queue.GetStatus(ctx, jobID)
	if err != nil {
		logger.Error("Popped job has no record", "job_id", jobID, "error", err)
		return
	}

	logger.Info("Processing job",
		"job_id", jobID,
		"type", job.Type,
		"filename", job.Metadata.OriginalFilename,
		"size_mb", job.Metadata.FileSizeMB,
		"priority", job.Priority,
	)

	start := time.Now()
	zero := 0
	if err := w.queue.UpdateStatus(ctx, jobID, queue.StatusProcessing, queue.StatusUpdate{Progress: &zero}); err != nil {
		logger.Error("Failed to mark job processing", "job_id", jobID, "error", err)
		return
	}

	outputFile, err := w.execute(ctx, job)
	if err != nil {
		if uerr := w.queue.UpdateStatus(ctx, jobID, queue.StatusFailed, queue.StatusUpdate{Error: err.Error()}); uerr != nil {
			logger.Error("Failed to mark job failed", "job_id", jobID, "error", uerr)
		}
		w.releaseInput(ctx, job)
		return
	}

	if err := w.queue.UpdateStatus(ctx, jobID, queue.StatusCompleted, queue.StatusUpdate{OutputFile: outputFile}); err != nil {
		logger.Error("Failed to mark job completed", "job_id", jobID, "error", err)
		return
	}

	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	w.releaseInput(ctx, job)
	logger.Info("Job finished", "job_id", jobID, "duration", time.Since(start).Round(time.Millisecond).String())
}

// execute validates the input, dispatches to the engine and verifies the
// output. Returns the output path.
func (w *Worker) execute(ctx context.Context, job *queue.Job) (string, error) {
	if job.InputFile != "" {
		if _, err := os.Stat(job.InputFile); err != nil {
			return "", fmt.Errorf("input file not found: %s", job.InputFile)
		}
	}

	if err := os.MkdirAll(w.storage.ResultsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	outputFile := filepath.Join(w.storage.ResultsDir, fmt.Sprintf("%s_output.%s", job.ID, queue.OutputExt(job.Type)))

	if err := w.dispatch(ctx, job, outputFile); err != nil {
		return "", err
	}

	info, err := os.Stat(outputFile)
	if err != nil {
		return "", fmt.Errorf("no output file was produced: %s", outputFile)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("output file is empty: %s", outputFile)
	}

	logger.Info("Output file written",
		"job_id", job.ID,
		"path", outputFile,
		"size_mb", float64(info.Size())/(1024*1024),
	)
	return outputFile, nil
}

// dispatch runs the engine operation for the job type.
func (w *Worker) dispatch(ctx context.Context, job *queue.Job, outputFile string) error {
	params := job.Metadata.Parameters

	switch job.Type {
	case queue.TypeGetMetadata:
		meta, err := w.engine.GetVideoMetadata(ctx, job.InputFile)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		return os.WriteFile(outputFile, data, 0644)

	case queue.TypeCaptureFrame:
		p, err := queue.DecodeCaptureFrameParams(params)
		if err != nil {
			return err
		}
		return w.engine.CaptureFrame(ctx, job.InputFile, outputFile, p.Timestamp, p.Quality)

	case queue.TypeExtractAudio:
		p, err := queue.DecodeExtractAudioParams(params)
		if err != nil {
			return err
		}
		return w.engine.ExtractAudio(ctx, job.InputFile, outputFile, p.Quality)

	case queue.TypeCutAudio:
		p, err := queue.DecodeCutAudioParams(params)
		if err != nil {
			return err
		}
		return w.engine.CutAudio(ctx, job.InputFile, outputFile, p.StartTime, p.EndTime)

	case queue.TypeConcatAudios:
		p, err := queue.DecodeConcatAudiosParams(params)
		if err != nil {
			return err
		}
		return w.engine.ConcatAudios(ctx, p.InputFiles, outputFile)

	case queue.TypeCompressVideo:
		p, err := queue.DecodeThreadedParams(params)
		if err != nil {
			return err
		}
		return w.engine.CompressVideo(ctx, job.InputFile, outputFile, defaultCRF, defaultFPS, defaultAudioBitrate, p.MaxThreads)

	case queue.TypeConvertMP4:
		p, err := queue.DecodeThreadedParams(params)
		if err != nil {
			return err
		}
		return w.engine.ConvertToMP4(ctx, job.InputFile, outputFile, p.MaxThreads, false)

	default:
		return fmt.Errorf("unsupported job type: %s", job.Type)
	}
}

// releaseInput lets go of the job's input after a terminal transition. Jobs
// tied to an upload record decrement its reference count and leave the file
// for the cleanup sweep; legacy jobs without one delete the input directly.
func (w *Worker) releaseInput(ctx context.Context, job *queue.Job) {
	if job.UploadID != "" {
		if w.uploads == nil {
			return
		}
		if err := w.uploads.DecrementRef(ctx, job.UploadID, false); err != nil {
			logger.Warn("Failed to decrement upload ref", "upload_id", job.UploadID, "error", err)
		}
		return
	}

	if job.InputFile == "" {
		return
	}
	if err := os.Remove(job.InputFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to delete input file", "path", job.InputFile, "error", err)
	}
}
