package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRegistry(rdb), mr
}

func writeTempFile(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o644))
	return path
}

func TestCreate_RecordAndTTL(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "video.mp4", "/disk/uploads/x_video.mp4", 12.345, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", rec.Filename)
	assert.Equal(t, "/disk/uploads/x_video.mp4", rec.FilePath)
	assert.Equal(t, 12.35, rec.FileSizeMB)
	assert.Equal(t, 0, rec.RefCount)
	assert.Equal(t, "ready", rec.Status)

	// unreferenced records expire on their own
	ttl := mr.TTL(recordKey(id))
	assert.Greater(t, ttl.Seconds(), 0.0)
	assert.LessOrEqual(t, ttl, UnusedTTL)
}

func TestCreate_ExplicitID(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Create(context.Background(), "a.mp3", "/disk/uploads/a.mp3", 1, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
}

func TestGet_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ExpiredRecord(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "a.mp4", "/disk/uploads/a.mp4", 1, "")
	require.NoError(t, err)

	mr.FastForward(UnusedTTL + time.Minute)

	_, err = r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementRef_PinsRecord(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "a.mp4", "/disk/uploads/a.mp4", 1, "")
	require.NoError(t, err)

	require.NoError(t, r.IncrementRef(ctx, id))
	require.NoError(t, r.IncrementRef(ctx, id))

	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RefCount)

	// referenced records never expire
	assert.Equal(t, time.Duration(0), mr.TTL(recordKey(id)))
	mr.FastForward(UnusedTTL * 2)
	_, err = r.Get(ctx, id)
	assert.NoError(t, err)
}

func TestDecrementRef_KeepsRecordForSweep(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	path := writeTempFile(t, "a.mp4")
	id, err := r.Create(ctx, "a.mp4", path, 1, "")
	require.NoError(t, err)
	require.NoError(t, r.IncrementRef(ctx, id))

	require.NoError(t, r.DecrementRef(ctx, id, false))

	// record and file both survive; the mtime sweep reclaims the file later
	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RefCount)
	assert.FileExists(t, path)
}

func TestDecrementRef_AutoDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	path := writeTempFile(t, "a.mp4")
	id, err := r.Create(ctx, "a.mp4", path, 1, "")
	require.NoError(t, err)
	require.NoError(t, r.IncrementRef(ctx, id))

	require.NoError(t, r.DecrementRef(ctx, id, true))

	_, err = r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, path)
}

func TestDecrementRef_AutoDeleteWaitsForLastRef(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	path := writeTempFile(t, "a.mp4")
	id, err := r.Create(ctx, "a.mp4", path, 1, "")
	require.NoError(t, err)
	require.NoError(t, r.IncrementRef(ctx, id))
	require.NoError(t, r.IncrementRef(ctx, id))

	require.NoError(t, r.DecrementRef(ctx, id, true))

	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RefCount)
	assert.FileExists(t, path)
}

func TestList_NewestFirstSkipsExpired(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	old, err := r.Create(ctx, "old.mp4", "/disk/uploads/old.mp4", 1, "")
	require.NoError(t, err)
	mr.FastForward(time.Second)

	fresh, err := r.Create(ctx, "fresh.mp4", "/disk/uploads/fresh.mp4", 1, "")
	require.NoError(t, err)

	records, err := r.List(ctx, 100)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, fresh, records[0].UploadID)
	assert.Equal(t, old, records[1].UploadID)

	// pin the fresh record, then expire the old one; its stale index entry
	// is skipped
	require.NoError(t, r.IncrementRef(ctx, fresh))
	mr.FastForward(UnusedTTL)

	records, err = r.List(ctx, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fresh, records[0].UploadID)
}

func TestDeleteManual(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	path := writeTempFile(t, "a.mp4")
	id, err := r.Create(ctx, "a.mp4", path, 1, "")
	require.NoError(t, err)

	require.NoError(t, r.DeleteManual(ctx, id))

	_, err = r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, path)
}

func TestDeleteManual_RefusedWhileReferenced(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	path := writeTempFile(t, "a.mp4")
	id, err := r.Create(ctx, "a.mp4", path, 1, "")
	require.NoError(t, err)
	require.NoError(t, r.IncrementRef(ctx, id))

	err = r.DeleteManual(ctx, id)
	assert.ErrorIs(t, err, ErrInUse)
	assert.FileExists(t, path)
}
