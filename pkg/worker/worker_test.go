package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/mediaforge/pkg/config"
	"github.com/mediaforge/mediaforge/pkg/queue"
	"github.com/mediaforge/mediaforge/pkg/upload"
)

// fakeEngine writes canned output files instead of invoking ffmpeg.
type fakeEngine struct {
	failWith    error
	emptyOutput bool

	lastOp     string
	lastInputs []string
}

func (f *fakeEngine) produce(op, outputPath string, inputs ...string) error {
	f.lastOp = op
	f.lastInputs = inputs
	if f.failWith != nil {
		return f.failWith
	}
	if f.emptyOutput {
		return os.WriteFile(outputPath, nil, 0o644)
	}
	return os.WriteFile(outputPath, []byte("output bytes"), 0o644)
}

func (f *fakeEngine) GetVideoMetadata(_ context.Context, inputPath string) (map[string]any, error) {
	f.lastOp = "get_metadata"
	f.lastInputs = []string{inputPath}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return map[string]any{"format": map[string]any{"duration": "3.0"}}, nil
}

func (f *fakeEngine) ExtractAudio(_ context.Context, in, out string, _ int) error {
	return f.produce("extract_audio", out, in)
}

func (f *fakeEngine) CompressVideo(_ context.Context, in, out string, _, _ int, _ string, _ int) error {
	return f.produce("compress_video", out, in)
}

func (f *fakeEngine) CutAudio(_ context.Context, in, out, _, _ string) error {
	return f.produce("cut_audio", out, in)
}

func (f *fakeEngine) ConcatAudios(_ context.Context, ins []string, out string) error {
	return f.produce("concat_audios", out, ins...)
}

func (f *fakeEngine) CaptureFrame(_ context.Context, in, out, _ string, _ int) error {
	return f.produce("capture_frame", out, in)
}

func (f *fakeEngine) ConvertToMP4(_ context.Context, in, out string, _ int, _ bool) error {
	return f.produce("convert_mp4", out, in)
}

type testEnv struct {
	worker  *Worker
	queue   *queue.Queue
	uploads *upload.Registry
	engine  *fakeEngine
	storage config.StorageConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	uploads := upload.NewRegistry(rdb)
	q := queue.New(rdb, uploads)
	engine := &fakeEngine{}
	storage := config.StorageConfig{
		UploadsDir: t.TempDir(),
		ResultsDir: t.TempDir(),
		ScratchDir: t.TempDir(),
	}
	cfg := config.WorkerConfig{PollInterval: time.Millisecond, ErrorBackoff: time.Millisecond}

	return &testEnv{
		worker:  New(q, uploads, engine, cfg, storage),
		queue:   q,
		uploads: uploads,
		engine:  engine,
		storage: storage,
	}
}

func (e *testEnv) writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.storage.UploadsDir, name)
	require.NoError(t, os.WriteFile(path, []byte("input bytes"), 0o644))
	return path
}

func TestProcessJob_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := env.writeInput(t, "song.mp4")
	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:             queue.TypeExtractAudio,
		InputFile:        input,
		OriginalFilename: "song.mp4",
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.OutputFile)
	assert.Equal(t, filepath.Join(env.storage.ResultsDir, jobID+"_output.mp3"), *job.OutputFile)
	assert.FileExists(t, *job.OutputFile)
	assert.Equal(t, "extract_audio", env.engine.lastOp)

	// legacy job without upload_id: input removed directly
	assert.NoFileExists(t, input)
}

func TestProcessJob_MetadataWritesJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := env.writeInput(t, "clip.mp4")
	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeGetMetadata,
		InputFile: input,
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.OutputFile)

	data, err := os.ReadFile(*job.OutputFile)
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	format, ok := meta["format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3.0", format["duration"])
}

func TestProcessJob_MissingInputFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeExtractAudio,
		InputFile: filepath.Join(env.storage.UploadsDir, "gone.mp4"),
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "input file not found")
}

func TestProcessJob_EngineFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.failWith = errors.New("ffmpeg failed: exit status 1")

	input := env.writeInput(t, "bad.mp4")
	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeCompressVideo,
		InputFile: input,
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "exit status 1")

	// failed legacy jobs still release their input
	assert.NoFileExists(t, input)
}

func TestProcessJob_EmptyOutputFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.emptyOutput = true

	input := env.writeInput(t, "a.mp4")
	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeConvertMP4,
		InputFile: input,
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "empty")
}

func TestProcessJob_UploadRefDecremented(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := env.writeInput(t, "u_song.mp4")
	uploadID, err := env.uploads.Create(ctx, "song.mp4", input, 1.0, "")
	require.NoError(t, err)

	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeExtractAudio,
		UploadID:  uploadID,
		InputFile: input,
	})
	require.NoError(t, err)

	rec, err := env.uploads.Get(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.RefCount)

	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)
	env.worker.ProcessJob(ctx, jobID)

	rec, err = env.uploads.Get(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RefCount)

	// the file stays on disk for the cleanup sweep
	assert.FileExists(t, input)
}

func TestProcessJob_ConcatUsesParameterInputs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.writeInput(t, "a.mp3")
	b := env.writeInput(t, "b.mp3")

	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeConcatAudios,
		InputFile: a,
		Parameters: map[string]any{
			"input_files": []string{a, b},
		},
	})
	require.NoError(t, err)
	_, _, err = env.queue.PopNext(ctx)
	require.NoError(t, err)

	env.worker.ProcessJob(ctx, jobID)

	job, err := env.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, "concat_audios", env.engine.lastOp)
	assert.Equal(t, []string{a, b}, env.engine.lastInputs)
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	input := env.writeInput(t, "v.mp4")
	jobID, err := env.queue.Create(ctx, queue.CreateRequest{
		Type:      queue.TypeCaptureFrame,
		InputFile: input,
		Parameters: map[string]any{
			"timestamp": "00:00:01",
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := env.queue.GetStatus(ctx, jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	job, err := env.queue.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
}
