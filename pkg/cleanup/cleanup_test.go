package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/mediaforge/pkg/config"
)

func writeAgedFile(t *testing.T, dir, name string, age time.Duration, size int) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestSweep_DeletesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()

	old := writeAgedFile(t, dir, "old.mp4", 4*time.Hour, 2*1024*1024)
	fresh := writeAgedFile(t, dir, "fresh.mp4", time.Hour, 1024)

	res := Sweep(dir, 3*time.Hour)

	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, 2.0, res.SpaceFreedMB)
	assert.Equal(t, 0, res.Errors)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestSweep_ZeroTTLDeletesEverything(t *testing.T) {
	dir := t.TempDir()

	a := writeAgedFile(t, dir, "a.mp3", time.Minute, 10)
	b := writeAgedFile(t, dir, "b.mp3", time.Second, 10)

	res := Sweep(dir, 0)

	assert.Equal(t, 2, res.FilesDeleted)
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
}

func TestSweep_SkipsDirectories(t *testing.T) {
	dir := t.TempDir()

	sub := filepath.Join(dir, "keep")
	require.NoError(t, os.Mkdir(sub, 0o755))
	inner := writeAgedFile(t, sub, "nested.mp4", 10*time.Hour, 10)

	res := Sweep(dir, time.Hour)

	assert.Equal(t, 0, res.FilesDeleted)
	assert.DirExists(t, sub)
	assert.FileExists(t, inner)
}

func TestSweep_MissingDirectoryIsNoOp(t *testing.T) {
	res := Sweep(filepath.Join(t.TempDir(), "nope"), time.Hour)

	assert.Equal(t, 0, res.FilesDeleted)
	assert.Equal(t, 0, res.Errors)
}

func TestSweepAll_CombinesDirectories(t *testing.T) {
	storage := config.StorageConfig{
		UploadsDir: t.TempDir(),
		ResultsDir: t.TempDir(),
		ScratchDir: t.TempDir(),
	}

	writeAgedFile(t, storage.UploadsDir, "u.mp4", 5*time.Hour, 1024*1024)
	writeAgedFile(t, storage.ResultsDir, "r.mp3", 5*time.Hour, 1024*1024)
	writeAgedFile(t, storage.ScratchDir, "s.list.txt", 5*time.Hour, 512)
	keep := writeAgedFile(t, storage.ResultsDir, "recent.mp3", time.Minute, 512)

	res := SweepAll(storage, 3*time.Hour)

	assert.Equal(t, 3, res.FilesDeleted)
	assert.Equal(t, 0, res.Errors)
	assert.InDelta(t, 2.0, res.SpaceFreedMB, 0.01)
	assert.FileExists(t, keep)
}
