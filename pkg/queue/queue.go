package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/mediaforge/internal/logger"
	"github.com/mediaforge/mediaforge/pkg/metrics"
)

// Store keys.
const (
	queueKey      = "job_queue"       // ZSET: pending jobs by composite score
	pendingKey    = "pending_jobs"    // ZSET: pending jobs by creation time
	processingKey = "processing_jobs" // SET: jobs currently executing
	completedKey  = "completed_jobs"  // ZSET: completed jobs by completion time
	failedKey     = "failed_jobs"     // ZSET: failed jobs by completion time
)

// Record retention after a terminal transition.
const (
	CompletedTTL = 8 * time.Hour
	FailedTTL    = 7 * 24 * time.Hour
)

// priorityMultiplier separates priority bands in the composite queue score.
// Wide enough that unix timestamps (seconds) can never bleed into the next
// band.
const priorityMultiplier = 1e9

// Sentinel errors.
var (
	ErrNotFound          = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotCancellable    = errors.New("job is processing and cannot be cancelled")
)

// RefCounter is the slice of the upload registry the queue needs: pinning an
// upload alive while a job references it.
type RefCounter interface {
	IncrementRef(ctx context.Context, uploadID string) error
}

// Queue manages job records and the priority queue in Valkey.
type Queue struct {
	rdb     *redis.Client
	uploads RefCounter
}

// New creates a queue. uploads may be nil when no upload registry is in play
// (legacy direct-file jobs).
func New(rdb *redis.Client, uploads RefCounter) *Queue {
	return &Queue{rdb: rdb, uploads: uploads}
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// score computes the composite queue score: strict priority bands with FIFO
// ordering inside each band. Microsecond resolution breaks ties between
// near-simultaneous creations deterministically.
func score(priority int, at time.Time) float64 {
	return float64(priority)*priorityMultiplier + float64(at.UnixMicro())/1e6
}

// CreateRequest carries the inputs for Create.
type CreateRequest struct {
	Type             Type
	UploadID         string // optional; links the job to an upload record
	InputFile        string
	OriginalFilename string
	FileSizeMB       float64
	Parameters       map[string]any
	Priority         int // 0 means the type's default band
}

// Create validates the request, writes the job record in pending state,
// enqueues it, and increments the upload reference count when an upload is
// cited. Returns the new job id.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (string, error) {
	if !KnownType(req.Type) {
		return "", fmt.Errorf("unsupported job type: %s", req.Type)
	}
	if err := ValidateParams(req.Type, req.Parameters); err != nil {
		return "", err
	}

	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority(req.Type)
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	now := time.Now()
	job := Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Type:      req.Type,
		Priority:  priority,
		CreatedAt: timestamp(now),
		Progress:  0,
		InputFile: req.InputFile,
		UploadID:  req.UploadID,
		Metadata: Metadata{
			OriginalFilename: req.OriginalFilename,
			FileSizeMB:       req.FileSizeMB,
			Parameters:       req.Parameters,
		},
	}

	if err := q.write(ctx, &job, 0); err != nil {
		return "", err
	}

	createdScore := float64(now.UnixMicro()) / 1e6
	if err := q.rdb.ZAdd(ctx, pendingKey, redis.Z{Score: createdScore, Member: job.ID}).Err(); err != nil {
		return "", fmt.Errorf("failed to index pending job: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{Score: score(priority, now), Member: job.ID}).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if req.UploadID != "" && q.uploads != nil {
		if err := q.uploads.IncrementRef(ctx, req.UploadID); err != nil {
			logger.Warn("Failed to increment upload ref", "upload_id", req.UploadID, "error", err)
		}
	}

	metrics.JobsCreated.WithLabelValues(string(req.Type)).Inc()
	logger.Info("Job created",
		"job_id", job.ID,
		"type", req.Type,
		"priority", priority,
		"size_mb", req.FileSizeMB,
	)
	return job.ID, nil
}

// PopNext atomically removes and returns the lowest-scored job id from the
// queue. ok is false when the queue is empty.
func (q *Queue) PopNext(ctx context.Context) (jobID string, ok bool, err error) {
	entries, err := q.rdb.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to pop queue: %w", err)
	}
	if len(entries) == 0 {
		return "", false, nil
	}

	jobID = entries[0].Member.(string)
	logger.Info("Job popped from queue", "job_id", jobID)
	return jobID, true, nil
}

// GetStatus returns the job record, or ErrNotFound if missing or expired.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &job, nil
}

// StatusUpdate carries the optional fields of UpdateStatus.
type StatusUpdate struct {
	Progress   *int
	OutputFile string // required for the completed transition
	Error      string // required for the failed transition
}

// UpdateStatus transitions a job to newStatus, enforcing the state machine
// and maintaining the status indices, timestamps and record expiry.
func (q *Queue) UpdateStatus(ctx context.Context, jobID string, newStatus Status, update StatusUpdate) error {
	job, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}

	if !transitionAllowed(job.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, newStatus)
	}

	now := timestamp(time.Now())
	nowScore := float64(time.Now().UnixMicro()) / 1e6
	job.Status = newStatus

	if update.Progress != nil {
		job.Progress = *update.Progress
	}

	switch newStatus {
	case StatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		if err := q.rdb.ZRem(ctx, pendingKey, jobID).Err(); err != nil {
			return fmt.Errorf("failed to remove pending index: %w", err)
		}
		if err := q.rdb.SAdd(ctx, processingKey, jobID).Err(); err != nil {
			return fmt.Errorf("failed to add processing index: %w", err)
		}
		logger.Info("Job started", "job_id", jobID)
		return q.write(ctx, job, 0)

	case StatusCompleted:
		job.CompletedAt = &now
		job.Progress = 100
		out := update.OutputFile
		job.OutputFile = &out
		resultURL := "/jobs/download/" + jobID
		job.ResultURL = &resultURL

		if err := q.removeActiveIndices(ctx, jobID); err != nil {
			return err
		}
		if err := q.rdb.ZAdd(ctx, completedKey, redis.Z{Score: nowScore, Member: jobID}).Err(); err != nil {
			return fmt.Errorf("failed to index completed job: %w", err)
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), string(StatusCompleted)).Inc()
		logger.Info("Job completed", "job_id", jobID, "output_file", out)
		return q.write(ctx, job, CompletedTTL)

	case StatusFailed:
		job.CompletedAt = &now
		errMsg := update.Error
		job.Error = &errMsg

		if err := q.removeActiveIndices(ctx, jobID); err != nil {
			return err
		}
		if err := q.rdb.ZAdd(ctx, failedKey, redis.Z{Score: nowScore, Member: jobID}).Err(); err != nil {
			return fmt.Errorf("failed to index failed job: %w", err)
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), string(StatusFailed)).Inc()
		logger.Error("Job failed", "job_id", jobID, "error", errMsg)
		return q.write(ctx, job, FailedTTL)

	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, newStatus)
	}
}

// removeActiveIndices drops the job from both non-terminal indices. A job
// reaches a terminal state from either pending (cancel) or processing, so
// both removals are issued unconditionally.
func (q *Queue) removeActiveIndices(ctx context.Context, jobID string) error {
	if err := q.rdb.ZRem(ctx, pendingKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove pending index: %w", err)
	}
	if err := q.rdb.SRem(ctx, processingKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove processing index: %w", err)
	}
	return nil
}

// Cancel cancels a pending job: it is removed from the queue, transitioned
// to failed with a cancellation error, and its input file is deleted
// best-effort. Returns false without error when the job is already terminal
// (cancel is idempotent there). Cancelling a processing job returns
// ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := q.GetStatus(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch {
	case job.Status == StatusProcessing:
		return false, ErrNotCancellable
	case job.Status.Terminal():
		return false, nil
	}

	if err := q.rdb.ZRem(ctx, queueKey, jobID).Err(); err != nil {
		return false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if err := q.UpdateStatus(ctx, jobID, StatusFailed, StatusUpdate{Error: "cancelled by user"}); err != nil {
		return false, err
	}

	if job.InputFile != "" {
		if err := os.Remove(job.InputFile); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete input file of cancelled job", "path", job.InputFile, "error", err)
		}
	}

	logger.Info("Job cancelled", "job_id", jobID)
	return true, nil
}

// Stats are the queue counters. The terminal counters cover the retention
// windows (8 hours for completed, 7 days for failed).
type Stats struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	Completed8h int64 `json:"completed_8h"`
	Failed7d    int64 `json:"failed_7d"`
}

// Stats returns the queue counters, pruning terminal indices that have aged
// out of their windows first so the counts match the record TTLs.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now()
	completedCutoff := fmt.Sprintf("%f", float64(now.Add(-CompletedTTL).UnixMicro())/1e6)
	failedCutoff := fmt.Sprintf("%f", float64(now.Add(-FailedTTL).UnixMicro())/1e6)

	if err := q.rdb.ZRemRangeByScore(ctx, completedKey, "-inf", completedCutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune completed index: %w", err)
	}
	if err := q.rdb.ZRemRangeByScore(ctx, failedKey, "-inf", failedCutoff).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune failed index: %w", err)
	}

	var stats Stats
	var err error
	if stats.Pending, err = q.rdb.ZCard(ctx, queueKey).Result(); err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	if stats.Processing, err = q.rdb.SCard(ctx, processingKey).Result(); err != nil {
		return nil, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	if stats.Completed8h, err = q.rdb.ZCard(ctx, completedKey).Result(); err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	if stats.Failed7d, err = q.rdb.ZCard(ctx, failedKey).Result(); err != nil {
		return nil, fmt.Errorf("failed to count failed jobs: %w", err)
	}

	metrics.QueueDepth.Set(float64(stats.Pending))
	return &stats, nil
}

// ListPending returns up to limit pending jobs in service order, each with a
// 1-based QueuePosition attached.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	ids, err := q.rdb.ZRange(ctx, queueKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetStatus(ctx, id)
		if err != nil {
			// Record vanished between the range read and the fetch.
			continue
		}
		job.QueuePosition = len(jobs) + 1
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Reconcile repairs the queue after a crash. Pending job records missing
// from the queue (the worker died between pop and the processing transition)
// are re-enqueued at their original score; records stranded in processing
// are rewritten to failed. Called by the worker before its loop starts.
func (q *Queue) Reconcile(ctx context.Context) error {
	var reinserted, failed int

	iter := q.rdb.Scan(ctx, 0, "job:*", 100).Iterator()
	for iter.Next(ctx) {
		jobID := iter.Val()[len("job:"):]
		job, err := q.GetStatus(ctx, jobID)
		if err != nil {
			continue
		}

		switch job.Status {
		case StatusPending:
			err := q.rdb.ZScore(ctx, queueKey, jobID).Err()
			if err == nil {
				continue // still queued, nothing to repair
			}
			if err != redis.Nil {
				return fmt.Errorf("failed to check queue membership: %w", err)
			}

			created, perr := parseTimestamp(job.CreatedAt)
			if perr != nil {
				created = time.Now()
			}
			if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{
				Score:  score(job.Priority, created),
				Member: jobID,
			}).Err(); err != nil {
				return fmt.Errorf("failed to re-enqueue orphaned job: %w", err)
			}
			if err := q.rdb.ZAdd(ctx, pendingKey, redis.Z{
				Score:  float64(created.UnixMicro()) / 1e6,
				Member: jobID,
			}).Err(); err != nil {
				return fmt.Errorf("failed to re-index orphaned job: %w", err)
			}
			reinserted++
			logger.Warn("Re-enqueued orphaned pending job", "job_id", jobID)

		case StatusProcessing:
			if err := q.UpdateStatus(ctx, jobID, StatusFailed, StatusUpdate{Error: "worker restart"}); err != nil {
				return fmt.Errorf("failed to fail stranded job: %w", err)
			}
			failed++
			logger.Warn("Failed stranded processing job", "job_id", jobID)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan job records: %w", err)
	}

	if reinserted > 0 || failed > 0 {
		logger.Info("Startup reconciliation done", "reinserted", reinserted, "failed", failed)
	}
	return nil
}

// write persists the job record, optionally with an expiry.
func (q *Queue) write(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write job record: %w", err)
	}
	return nil
}
