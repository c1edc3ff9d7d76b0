// Package engine wraps ffmpeg and ffprobe. Every operation shells out, blocks
// until the tool exits, and returns an error carrying the tool's stderr when
// the exit status is non-zero.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/mediaforge/mediaforge/internal/logger"
)

// Runner executes an external tool and returns its stdout. Swapped out in
// tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Engine runs media operations. ScratchDir holds transient artifacts such as
// concat list files.
type Engine struct {
	ScratchDir string
	run        Runner
}

// New creates an engine using the real ffmpeg/ffprobe binaries from PATH.
func New(scratchDir string) *Engine {
	return &Engine{ScratchDir: scratchDir, run: execRunner}
}

// NewWithRunner creates an engine with a custom runner, for tests.
func NewWithRunner(scratchDir string, run Runner) *Engine {
	return &Engine{ScratchDir: scratchDir, run: run}
}

// execRunner runs the tool via os/exec. stderr is captured separately so it
// can be folded into the error; ffmpeg writes its diagnostics there.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Running media tool", "tool", name, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, lastLines(stderr.String(), 5))
	}
	return stdout.Bytes(), nil
}

// lastLines returns the trailing n lines of s. ffmpeg error output is long;
// the useful part is at the end.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// threads resolves the thread count, 0 meaning auto-detect.
func threads(maxThreads int) string {
	if maxThreads <= 0 {
		return strconv.Itoa(runtime.NumCPU())
	}
	return strconv.Itoa(maxThreads)
}

// GetVideoMetadata probes the container and streams of a media file.
func (e *Engine) GetVideoMetadata(ctx context.Context, inputPath string) (map[string]any, error) {
	out, err := e.run(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return meta, nil
}

// ExtractAudio strips the video track and writes an MP3. quality is the VBR
// level, 0-9, lower is better.
func (e *Engine) ExtractAudio(ctx context.Context, inputPath, outputPath string, quality int) error {
	_, err := e.run(ctx, "ffmpeg",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", strconv.Itoa(quality),
		"-y",
		outputPath,
	)
	return err
}

// CompressVideo re-encodes to H.264 at the given CRF and frame rate with AAC
// audio.
func (e *Engine) CompressVideo(ctx context.Context, inputPath, outputPath string, crf, fps int, audioBitrate string, maxThreads int) error {
	_, err := e.run(ctx, "ffmpeg",
		"-i", inputPath,
		"-vcodec", "libx264",
		"-crf", strconv.Itoa(crf),
		"-r", strconv.Itoa(fps),
		"-preset", "veryfast",
		"-threads", threads(maxThreads),
		"-acodec", "aac",
		"-b:a", audioBitrate,
		"-y",
		outputPath,
	)
	return err
}

// CutAudio copies the slice between start and end (HH:MM:SS) without
// re-encoding.
func (e *Engine) CutAudio(ctx context.Context, inputPath, outputPath, start, end string) error {
	_, err := e.run(ctx, "ffmpeg",
		"-i", inputPath,
		"-ss", start,
		"-to", end,
		"-c", "copy",
		"-y",
		outputPath,
	)
	return err
}

// ConcatAudios joins the inputs in order without re-encoding, via the concat
// demuxer. The list file lives in the scratch directory and is removed when
// the operation returns.
func (e *Engine) ConcatAudios(ctx context.Context, inputPaths []string, outputPath string) error {
	listPath := filepath.Join(e.ScratchDir, filepath.Base(outputPath)+".list.txt")

	var list strings.Builder
	for _, p := range inputPaths {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listPath)

	_, err := e.run(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
	return err
}

// CaptureFrame grabs a single frame at the timestamp (HH:MM:SS) as WebP.
func (e *Engine) CaptureFrame(ctx context.Context, inputPath, outputPath, timestamp string, quality int) error {
	_, err := e.run(ctx, "ffmpeg",
		"-ss", timestamp,
		"-i", inputPath,
		"-frames:v", "1",
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(quality),
		"-compression_level", "6",
		"-y",
		outputPath,
	)
	return err
}

// ConvertToMP4 rewraps a video into an MP4 container. For mkv and webm inputs
// the streams are copied as-is, subtitles dropped and the moov atom moved to
// the front. Other containers first try a plain stream copy and, when that
// fails, fall back to a full H.264/AAC re-encode. The partial output of the
// failed copy is removed before the fallback runs.
func (e *Engine) ConvertToMP4(ctx context.Context, inputPath, outputPath string, maxThreads int, forceReencode bool) error {
	ext := strings.ToLower(filepath.Ext(inputPath))

	if !forceReencode && (ext == ".mkv" || ext == ".webm") {
		_, err := e.run(ctx, "ffmpeg",
			"-i", inputPath,
			"-c", "copy",
			"-sn",
			"-movflags", "+faststart",
			"-y",
			outputPath,
		)
		return err
	}

	if !forceReencode {
		_, err := e.run(ctx, "ffmpeg",
			"-i", inputPath,
			"-c", "copy",
			"-movflags", "+faststart",
			"-y",
			outputPath,
		)
		if err == nil {
			return nil
		}
		logger.Warn("Stream copy failed, re-encoding", "input", inputPath, "error", err)
		if rmErr := os.Remove(outputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove partial output: %w", rmErr)
		}
	}

	_, err := e.run(ctx, "ffmpeg",
		"-i", inputPath,
		"-vcodec", "libx264",
		"-crf", "23",
		"-preset", "veryfast",
		"-threads", threads(maxThreads),
		"-acodec", "aac",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
	return err
}
