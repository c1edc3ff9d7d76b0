//go:build integration

package valkey_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

// valkeyHelper manages the Valkey container for integration tests.
type valkeyHelper struct {
	container testcontainers.Container
	addr      string
}

// newValkeyHelper starts a Valkey container or connects to an existing one.
func newValkeyHelper(t *testing.T) *valkeyHelper {
	t.Helper()
	ctx := context.Background()

	if addr := os.Getenv("VALKEY_ADDR"); addr != "" {
		return &valkeyHelper{addr: addr}
	}

	req := testcontainers.ContainerRequest{
		Image:        "valkey/valkey:8",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForListeningPort("6379/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start valkey container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container port: %v", err)
	}

	return &valkeyHelper{
		container: container,
		addr:      fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

func (vh *valkeyHelper) cleanup(t *testing.T) {
	t.Helper()
	if vh.container != nil {
		_ = vh.container.Terminate(context.Background())
	}
}

func (vh *valkeyHelper) client(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: vh.addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping valkey at %s: %v", vh.addr, err)
	}

	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

// TestJobLifecycle exercises the full upload/job lifecycle against a real
// Valkey instance: register an upload, create a job pinned to it, pop and
// drive the job to completion, and verify the bookkeeping indices.
func TestJobLifecycle(t *testing.T) {
	vh := newValkeyHelper(t)
	defer vh.cleanup(t)

	rdb := vh.client(t)
	ctx := context.Background()

	registry := upload.NewRegistry(rdb)
	q := queue.New(rdb, registry)

	inputPath := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("fake video"), 0644))

	uploadID, err := registry.Create(ctx, "clip.mp4", inputPath, 0.01, "")
	require.NoError(t, err)

	jobID, err := q.Create(ctx, queue.CreateRequest{
		Type:             queue.TypeExtractAudio,
		UploadID:         uploadID,
		InputFile:        inputPath,
		OriginalFilename: "clip.mp4",
		Parameters:       map[string]any{"quality": float64(2)},
		Priority:         queue.PriorityHigh,
	})
	require.NoError(t, err)

	// The pin from job creation must clear the upload's expiry.
	pinned, err := registry.Get(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.RefCount)

	popped, ok, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobID, popped)

	require.NoError(t, q.UpdateStatus(ctx, jobID, queue.StatusProcessing, queue.StatusUpdate{}))

	outputPath := filepath.Join(t.TempDir(), jobID+"_output.mp3")
	require.NoError(t, os.WriteFile(outputPath, []byte("fake audio"), 0644))
	require.NoError(t, q.UpdateStatus(ctx, jobID, queue.StatusCompleted, queue.StatusUpdate{
		OutputFile: outputPath,
	}))

	job, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.ResultURL)
	assert.Equal(t, "/jobs/download/"+jobID, *job.ResultURL)

	// Completed records carry a real TTL on the server.
	ttl, err := rdb.TTL(ctx, "job:"+jobID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, queue.CompletedTTL)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 0, stats.Processing)
	assert.EqualValues(t, 1, stats.Completed8h)
}

// TestReconcileAfterCrash simulates a worker crash: one job stuck in
// processing, one pending job missing from the ready queue. Reconcile must
// fail the first and re-enqueue the second.
func TestReconcileAfterCrash(t *testing.T) {
	vh := newValkeyHelper(t)
	defer vh.cleanup(t)

	rdb := vh.client(t)
	ctx := context.Background()

	registry := upload.NewRegistry(rdb)
	q := queue.New(rdb, registry)

	stuckID, err := q.Create(ctx, queue.CreateRequest{
		Type:       queue.TypeGetMetadata,
		Parameters: map[string]any{},
	})
	require.NoError(t, err)

	orphanID, err := q.Create(ctx, queue.CreateRequest{
		Type:       queue.TypeGetMetadata,
		Parameters: map[string]any{},
	})
	require.NoError(t, err)

	// Crash mid-job: popped and marked processing, never finished.
	popped, ok, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stuckID, popped)
	require.NoError(t, q.UpdateStatus(ctx, stuckID, queue.StatusProcessing, queue.StatusUpdate{}))

	// Crash between record write and queue insert: drop the ready entry.
	require.NoError(t, rdb.ZRem(ctx, "job_queue", orphanID).Err())

	require.NoError(t, q.Reconcile(ctx))

	stuck, err := q.GetStatus(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stuck.Status)

	next, ok, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orphanID, next)
}

// TestUploadExpiry verifies server-side TTL behavior that miniredis can only
// approximate: an unpinned upload expires, a pinned one persists.
func TestUploadExpiry(t *testing.T) {
	vh := newValkeyHelper(t)
	defer vh.cleanup(t)

	rdb := vh.client(t)
	ctx := context.Background()

	registry := upload.NewRegistry(rdb)

	dir := t.TempDir()
	transientID, err := registry.Create(ctx, "a.mp4", filepath.Join(dir, "a.mp4"), 1, "")
	require.NoError(t, err)
	pinnedID, err := registry.Create(ctx, "b.mp4", filepath.Join(dir, "b.mp4"), 1, "")
	require.NoError(t, err)

	require.NoError(t, registry.IncrementRef(ctx, pinnedID))

	ttl, err := rdb.TTL(ctx, "upload:"+transientID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, upload.UnusedTTL)

	// PERSIST reports -1 for a key without expiry.
	ttl, err = rdb.TTL(ctx, "upload:"+pinnedID).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}
