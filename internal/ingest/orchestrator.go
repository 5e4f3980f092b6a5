// Package ingest turns an uploaded source file into a catalog entry: it
// stores the original, runs the transcode pipeline and records the result.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/events"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/metrics"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/observability"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/storage"
	"github.com/jmylchreest/vodproxy/internal/transcode"
)

// postCommitTimeout bounds the best-effort steps that run after the record
// is committed, independently of the caller's context.
const postCommitTimeout = 30 * time.Second

// Transcoder runs the media pipeline. *transcode.Pipeline implements it.
type Transcoder interface {
	Run(ctx context.Context, sourcePath string, renditions []transcode.RenditionSpec) (*transcode.Result, error)
}

// Request describes one ingestion.
type Request struct {
	Title       string
	Description string
	GenreName   string
	SourcePath  string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      repository.Store
	Originals  storage.OriginalStore
	Transcoder Transcoder
	Source     mediasource.Source
	Locker     Locker
	Publisher  events.Publisher
	// Uploads bounds which files may be ingested. Source references are
	// resolved inside it.
	Uploads *storage.Sandbox
}

// Options tune an Orchestrator.
type Options struct {
	// Timeout bounds one pipeline run. Zero means no limit.
	Timeout time.Duration
	// MaxConcurrent caps simultaneous pipeline runs.
	MaxConcurrent int
	// Renditions is the ladder passed to the pipeline.
	Renditions []transcode.RenditionSpec
}

// Orchestrator coordinates ingestion. It is safe for concurrent use.
type Orchestrator struct {
	deps       Deps
	sem        *semaphore.Weighted
	timeout    time.Duration
	renditions []transcode.RenditionSpec
	logger     *slog.Logger
}

// New creates an Orchestrator. A nil Locker defaults to a MemoryLocker and
// a nil Publisher to events.NoopPublisher.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if len(opts.Renditions) == 0 {
		opts.Renditions = transcode.DefaultLadder()
	}
	return &Orchestrator{
		deps:       deps,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:    opts.Timeout,
		renditions: opts.Renditions,
		logger:     observability.WithComponent(logger, "ingest"),
	}
}

// Ingest stores, transcodes and records the source described by req.
// Errors match ErrForbidden, ErrInvalidRequest, ErrInProgress, or one of
// the transcode failure classes.
func (o *Orchestrator) Ingest(ctx context.Context, identity auth.Identity, req Request) (video *models.Video, err error) {
	outcome := "error"
	defer func() {
		metrics.IngestJobsTotal.WithLabelValues(outcome).Inc()
	}()

	if !identity.Admin {
		outcome = "forbidden"
		return nil, ErrForbidden
	}

	req, err = o.normalize(req)
	if err != nil {
		outcome = "invalid"
		return nil, err
	}

	name := filepath.Base(req.SourcePath)
	logger := o.logger.With(
		slog.String("source", name),
		slog.String("user_id", identity.UserID),
	)

	release, acquired, err := o.deps.Locker.TryLock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("acquiring ingest lock: %w", err)
	}
	if !acquired {
		outcome = "in_progress"
		return nil, fmt.Errorf("%w: %s", ErrInProgress, name)
	}
	defer release()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for transcode slot: %w", err)
	}
	defer o.sem.Release(1)
	metrics.IngestJobsInFlight.Inc()
	defer metrics.IngestJobsInFlight.Dec()

	storedKey, err := o.deps.Originals.Put(ctx, req.SourcePath, name)
	if err != nil {
		return nil, fmt.Errorf("storing original: %w", err)
	}
	logger.InfoContext(ctx, "stored original", slog.String("key", storedKey))

	result, err := o.transcode(ctx, req.SourcePath)
	if err != nil {
		outcome = failureOutcome(err)
		o.removeOriginal(ctx, logger, storedKey)
		o.publishFailure(ctx, logger, identity, req, err)
		return nil, fmt.Errorf("transcoding %s: %w", name, err)
	}

	video, err = o.record(ctx, req, storedKey, result)
	if err != nil {
		if rmErr := os.RemoveAll(result.WorkDir); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove transcode output",
				slog.String("work_dir", result.WorkDir),
				slog.String("error", rmErr.Error()),
			)
		}
		o.removeOriginal(ctx, logger, storedKey)
		return nil, fmt.Errorf("recording video: %w", err)
	}
	outcome = "success"

	logger.InfoContext(ctx, "video ingested",
		slog.String("video_id", video.ID.String()),
		slog.String("job_id", result.JobID),
		slog.Int64("duration_seconds", result.DurationSeconds),
	)

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
	defer cancel()
	o.afterCommit(postCtx, logger, identity, req, storedKey, result, video)

	return video, nil
}

func (o *Orchestrator) transcode(ctx context.Context, sourcePath string) (*transcode.Result, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := o.deps.Transcoder.Run(ctx, sourcePath, o.renditions)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.TranscodeDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return result, err
}

func (o *Orchestrator) record(ctx context.Context, req Request, storedKey string, result *transcode.Result) (*models.Video, error) {
	video := &models.Video{
		Title:              req.Title,
		Description:        req.Description,
		OriginalFile:       storedKey,
		DurationSeconds:    result.DurationSeconds,
		IsActive:           models.BoolPtr(true),
		ThumbnailPath:      result.ThumbnailPath,
		MasterManifestPath: result.MasterManifestPath,
	}

	err := o.deps.Store.Transaction(ctx, func(tx repository.Store) error {
		if req.GenreName != "" {
			genre, err := tx.Genres().GetOrCreate(ctx, req.GenreName)
			if err != nil {
				return err
			}
			video.GenreID = &genre.ID
			video.Genre = genre
		}
		return tx.Videos().Create(ctx, video)
	})
	if err != nil {
		return nil, err
	}
	return video, nil
}

// afterCommit runs the best-effort steps. Failures are logged only.
func (o *Orchestrator) afterCommit(ctx context.Context, logger *slog.Logger, identity auth.Identity, req Request, storedKey string, result *transcode.Result, video *models.Video) {
	sidecar := mediasource.Sidecar{
		Title:           video.Title,
		Overview:        video.Description,
		DurationSeconds: result.DurationSeconds,
		SourceFile:      filepath.Base(storedKey),
	}
	if video.Genre != nil {
		sidecar.Genres = []string{video.Genre.Name}
	}
	if err := mediasource.WriteSidecar(result.WorkDir, sidecar); err != nil {
		logger.WarnContext(ctx, "failed to write item sidecar", slog.String("error", err.Error()))
	}

	o.deps.Source.TriggerLibraryRescan(ctx)

	if itemID, err := o.matchItem(ctx, result.JobID, storedKey, video.Title); err != nil {
		logger.WarnContext(ctx, "media item lookup failed", slog.String("error", err.Error()))
	} else if itemID != "" {
		if err := o.deps.Store.Videos().SetMediaItemID(ctx, video.ID, itemID); err != nil {
			logger.WarnContext(ctx, "failed to record media item id", slog.String("error", err.Error()))
		} else {
			video.MediaItemID = itemID
		}
	}

	payload := events.VideoIngested{
		VideoID:         video.ID.String(),
		Title:           video.Title,
		JobID:           result.JobID,
		DurationSeconds: video.DurationSeconds,
		MasterManifest:  video.MasterManifestPath,
		UserID:          identity.UserID,
	}
	if video.Genre != nil {
		payload.Genre = video.Genre.Name
	}
	err := o.deps.Publisher.Publish(ctx, events.Event{
		Type:    events.TypeVideoIngested,
		Key:     video.ID.String(),
		Payload: payload,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to publish ingest event", slog.String("error", err.Error()))
	}
}

// Reconcile retries the media item lookup for videos recorded without one.
// It returns the number of videos matched.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	videos, err := o.deps.Store.Videos().ListUnmatched(ctx)
	if err != nil {
		return 0, err
	}
	if len(videos) == 0 {
		return 0, nil
	}

	items, err := o.deps.Source.ListItems(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing media items: %w", err)
	}

	matched := 0
	for _, v := range videos {
		jobID := filepath.Base(filepath.Dir(v.MasterManifestPath))
		itemID := matchItem(items, jobID, v.OriginalFile, v.Title)
		if itemID == "" {
			continue
		}
		if err := o.deps.Store.Videos().SetMediaItemID(ctx, v.ID, itemID); err != nil {
			return matched, err
		}
		matched++
	}
	o.logger.InfoContext(ctx, "media items reconciled",
		slog.Int("unmatched", len(videos)),
		slog.Int("matched", matched),
	)
	return matched, nil
}

func (o *Orchestrator) matchItem(ctx context.Context, jobID, storedKey, title string) (string, error) {
	items, err := o.deps.Source.ListItems(ctx, "")
	if err != nil {
		return "", err
	}
	return matchItem(items, jobID, storedKey, title), nil
}

// matchItem finds the upstream item for an ingested video: by job id (the
// local library), then by stored file name, then by title.
func matchItem(items []mediasource.MediaItem, jobID, storedKey, title string) string {
	file := filepath.Base(storedKey)
	for _, it := range items {
		if jobID != "" && it.ID == jobID {
			return it.ID
		}
	}
	for _, it := range items {
		if it.Path != "" && filepath.Base(it.Path) == file {
			return it.ID
		}
	}
	for _, it := range items {
		if strings.EqualFold(strings.TrimSpace(it.Name), title) {
			return it.ID
		}
	}
	return ""
}

func (o *Orchestrator) removeOriginal(ctx context.Context, logger *slog.Logger, key string) {
	if err := o.deps.Originals.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.WarnContext(ctx, "failed to remove stored original",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publishFailure(ctx context.Context, logger *slog.Logger, identity auth.Identity, req Request, cause error) {
	payload := events.VideoFailed{
		Title:  req.Title,
		Source: filepath.Base(req.SourcePath),
		Error:  cause.Error(),
		UserID: identity.UserID,
	}
	var terr *transcode.Error
	if errors.As(cause, &terr) {
		payload.Stage = string(terr.Stage)
		payload.JobID = terr.JobID
	}
	err := o.deps.Publisher.Publish(context.WithoutCancel(ctx), events.Event{
		Type:    events.TypeVideoFailed,
		Key:     payload.Source,
		Payload: payload,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to publish failure event", slog.String("error", err.Error()))
	}
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, transcode.ErrThumbnailExtractionFailed):
		return "thumbnail_failed"
	case errors.Is(err, transcode.ErrTranscodeFailed):
		return "transcode_failed"
	default:
		return "error"
	}
}

func (o *Orchestrator) normalize(req Request) (Request, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	req.GenreName = strings.TrimSpace(req.GenreName)
	req.SourcePath = strings.TrimSpace(req.SourcePath)

	if req.Title == "" {
		return req, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(req.Title) > models.MaxVideoTitleLength {
		return req, fmt.Errorf("%w: title must be at most %d characters", ErrInvalidRequest, models.MaxVideoTitleLength)
	}
	if utf8.RuneCountInString(req.GenreName) > models.MaxGenreNameLength {
		return req, fmt.Errorf("%w: genre name must be at most %d characters", ErrInvalidRequest, models.MaxGenreNameLength)
	}
	if req.SourcePath == "" {
		return req, fmt.Errorf("%w: source file reference is required", ErrInvalidRequest)
	}

	if o.deps.Uploads == nil {
		return req, fmt.Errorf("%w: uploads directory is not configured", ErrInvalidRequest)
	}
	resolved, err := o.deps.Uploads.Contain(req.SourcePath)
	if errors.Is(err, storage.ErrPathEscapes) {
		return req, fmt.Errorf("%w: source file must be inside the uploads directory", ErrInvalidRequest)
	}
	if err != nil {
		return req, fmt.Errorf("%w: source file is not accessible", ErrInvalidRequest)
	}
	req.SourcePath = resolved

	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return req, fmt.Errorf("%w: source file is not accessible", ErrInvalidRequest)
	}
	if !info.Mode().IsRegular() {
		return req, fmt.Errorf("%w: source is not a regular file", ErrInvalidRequest)
	}
	return req, nil
}
