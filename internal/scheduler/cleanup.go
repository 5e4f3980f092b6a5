package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmylchreest/vodproxy/internal/metrics"
	"github.com/jmylchreest/vodproxy/internal/startup"
)

// ArtifactLister returns the master manifest paths of every recorded video,
// including soft-deleted ones. repository.VideoRepository implements it.
type ArtifactLister interface {
	ArtifactPaths(ctx context.Context) ([]string, error)
}

// CleanupJob sweeps failed job directories, transcode output that no video
// references, and temp files from interrupted copies.
type CleanupJob struct {
	OutputRoot string
	FailedRoot string
	LibraryDir string
	MaxAge     time.Duration
	Videos     ArtifactLister
	Logger     *slog.Logger
}

// CleanupResult counts what one sweep removed.
type CleanupResult struct {
	Failed int
	Orphan int
	Temp   int
}

// Run performs one sweep. Failures are logged and the sweep continues.
func (j *CleanupJob) Run(ctx context.Context) CleanupResult {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var res CleanupResult
	var err error

	if j.FailedRoot != "" {
		if res.Failed, err = startup.CleanupFailedJobs(logger, j.FailedRoot, j.MaxAge); err != nil {
			logger.WarnContext(ctx, "failed job sweep incomplete", slog.String("error", err.Error()))
		}
	}

	if j.OutputRoot != "" && j.Videos != nil {
		res.Orphan = j.sweepOrphans(ctx, logger)
	}

	if j.LibraryDir != "" {
		if res.Temp, err = startup.CleanupTempFiles(logger, j.LibraryDir, j.MaxAge); err != nil {
			logger.WarnContext(ctx, "temp file sweep incomplete", slog.String("error", err.Error()))
		}
	}

	metrics.CleanupRemovedTotal.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.CleanupRemovedTotal.WithLabelValues("orphan").Add(float64(res.Orphan))
	metrics.CleanupRemovedTotal.WithLabelValues("temp").Add(float64(res.Temp))
	metrics.CleanupLastRunTimestamp.SetToCurrentTime()

	if res.Failed+res.Orphan+res.Temp > 0 {
		logger.InfoContext(ctx, "cleanup sweep finished",
			slog.Int("failed", res.Failed),
			slog.Int("orphan", res.Orphan),
			slog.Int("temp", res.Temp),
		)
	}
	return res
}

func (j *CleanupJob) sweepOrphans(ctx context.Context, logger *slog.Logger) int {
	paths, err := j.Videos.ArtifactPaths(ctx)
	if err != nil {
		// Without the reference list every output would look orphaned.
		logger.WarnContext(ctx, "skipping orphan sweep", slog.String("error", err.Error()))
		return 0
	}

	keep := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		keep[filepath.Base(filepath.Dir(p))] = true
	}

	n, err := startup.CleanupOrphanedOutputs(logger, j.OutputRoot, keep, j.MaxAge)
	if err != nil {
		logger.WarnContext(ctx, "orphan sweep incomplete", slog.String("error", err.Error()))
	}
	return n
}
