// Package startup provides utilities for application startup and
// housekeeping tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/vodproxy/internal/storage"
)

// removeStale removes the entries of baseDir accepted by match whose
// modification time is older than maxAge. A missing baseDir is not an error.
func removeStale(logger *slog.Logger, kind, baseDir string, maxAge time.Duration, match func(os.DirEntry) bool) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("directory does not exist, skipping cleanup",
			slog.String("kind", kind),
			slog.String("path", baseDir),
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			slog.String("path", baseDir),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !match(entry) {
			continue
		}

		path := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat cleanup candidate",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove stale entry",
				slog.String("kind", kind),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed stale entry",
			slog.String("kind", kind),
			slog.String("path", path),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

// CleanupTempFiles removes files left behind by interrupted atomic writes in
// dir, such as a partially copied original.
func CleanupTempFiles(logger *slog.Logger, dir string, maxAge time.Duration) (int, error) {
	return removeStale(logger, "temp", dir, maxAge, func(e os.DirEntry) bool {
		return !e.IsDir() && storage.IsTempFile(e.Name())
	})
}

// CleanupFailedJobs removes working directories of failed transcode jobs
// that were kept for inspection.
func CleanupFailedJobs(logger *slog.Logger, failedRoot string, maxAge time.Duration) (int, error) {
	return removeStale(logger, "failed", failedRoot, maxAge, func(e os.DirEntry) bool {
		return e.IsDir()
	})
}

// CleanupOrphanedOutputs removes transcode output directories that no video
// record references. keep holds the names of referenced job directories.
// The age threshold protects jobs that are still being recorded.
func CleanupOrphanedOutputs(logger *slog.Logger, outputRoot string, keep map[string]bool, maxAge time.Duration) (int, error) {
	return removeStale(logger, "orphan", outputRoot, maxAge, func(e os.DirEntry) bool {
		return e.IsDir() && !keep[e.Name()]
	})
}

// Reconciler retries the upstream lookup for videos recorded without a
// media item id. *ingest.Orchestrator implements it.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileMediaItems runs one reconciliation pass and logs the outcome.
func ReconcileMediaItems(ctx context.Context, logger *slog.Logger, r Reconciler) (int, error) {
	matched, err := r.Reconcile(ctx)
	if err != nil {
		logger.Warn("media item reconciliation failed",
			slog.String("error", err.Error()),
		)
		return matched, err
	}
	if matched > 0 {
		logger.Info("reconciled media items", slog.Int("matched", matched))
	}
	return matched, nil
}
