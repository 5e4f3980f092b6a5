package startup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeOld(t *testing.T, path string) {
	t.Helper()
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
}

func mkdirWithFile(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\n"), 0o640))
}

func TestCleanupTempFiles(t *testing.T) {
	dir := t.TempDir()
	oldTemp := filepath.Join(dir, ".bunny.mp4.0a1b2c3d.tmp")
	recentTemp := filepath.Join(dir, ".sintel.mkv.99999999.tmp")
	oldOriginal := filepath.Join(dir, "bunny.mp4")

	for _, p := range []string{oldTemp, recentTemp, oldOriginal} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o640))
	}
	makeOld(t, oldTemp)
	makeOld(t, oldOriginal)

	count, err := CleanupTempFiles(newTestLogger(), dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoFileExists(t, oldTemp)
	assert.FileExists(t, recentTemp, "recent temp files may belong to a running copy")
	assert.FileExists(t, oldOriginal, "stored originals are never touched")
}

func TestCleanupFailedJobs(t *testing.T) {
	root := t.TempDir()
	oldJob := filepath.Join(root, "job-old")
	newJob := filepath.Join(root, "job-new")
	mkdirWithFile(t, oldJob)
	mkdirWithFile(t, newJob)
	makeOld(t, oldJob)

	count, err := CleanupFailedJobs(newTestLogger(), root, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoDirExists(t, oldJob)
	assert.DirExists(t, newJob)
}

func TestCleanupOrphanedOutputs(t *testing.T) {
	root := t.TempDir()
	kept := filepath.Join(root, "job-kept")
	orphan := filepath.Join(root, "job-orphan")
	recentOrphan := filepath.Join(root, "job-recording")
	for _, d := range []string{kept, orphan, recentOrphan} {
		mkdirWithFile(t, d)
	}
	makeOld(t, kept)
	makeOld(t, orphan)

	count, err := CleanupOrphanedOutputs(newTestLogger(), root, map[string]bool{"job-kept": true}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.DirExists(t, kept)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, recentOrphan)
}

func TestCleanup_MissingDirectory(t *testing.T) {
	count, err := CleanupFailedJobs(newTestLogger(), filepath.Join(t.TempDir(), "absent"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
}

type stubReconciler struct {
	matched int
	err     error
}

func (s stubReconciler) Reconcile(context.Context) (int, error) { return s.matched, s.err }

func TestReconcileMediaItems(t *testing.T) {
	n, err := ReconcileMediaItems(context.Background(), newTestLogger(), stubReconciler{matched: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ReconcileMediaItems(context.Background(), newTestLogger(), stubReconciler{err: errors.New("upstream down")})
	assert.Error(t, err)
}
