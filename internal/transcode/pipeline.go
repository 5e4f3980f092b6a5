package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/google/uuid"

	"github.com/jmylchreest/vodproxy/internal/config"
	"github.com/jmylchreest/vodproxy/internal/ffmpeg"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/observability"
)

// Directory names under the work root.
const (
	OutputDirName = "hls"
	FailedDirName = "failed"
)

const (
	variantManifestName = "index.m3u8"
	segmentPattern      = "segment_%03d.ts"
)

// Options configures a Pipeline. Binary paths must already be resolved.
type Options struct {
	FFmpegPath      string
	FFprobePath     string
	WorkRoot        string
	ThumbnailOffset time.Duration
	ThumbnailWidth  int
	SegmentSeconds  int
	KeepFailed      bool
	VideoCodec      string
	AudioCodec      string
}

// OptionsFromConfig builds Options from the transcode config section.
func OptionsFromConfig(cfg config.TranscodeConfig, workRoot, ffmpegPath, ffprobePath string) Options {
	return Options{
		FFmpegPath:      ffmpegPath,
		FFprobePath:     ffprobePath,
		WorkRoot:        workRoot,
		ThumbnailOffset: cfg.ThumbnailOffset,
		ThumbnailWidth:  cfg.ThumbnailWidth,
		SegmentSeconds:  cfg.SegmentSeconds,
		KeepFailed:      cfg.KeepFailed,
	}
}

func (o *Options) applyDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.ThumbnailOffset <= 0 {
		o.ThumbnailOffset = 3 * time.Second
	}
	if o.ThumbnailWidth <= 0 {
		o.ThumbnailWidth = 640
	}
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = 6
	}
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
}

// JobStatus is the lifecycle state of a transcode job.
type JobStatus string

// Job states.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the in-memory state of one pipeline run.
type Job struct {
	ID                 string
	SourcePath         string
	WorkDir            string
	ThumbnailPath      string
	MasterManifestPath string
	Renditions         []RenditionSpec
	Status             JobStatus
}

// Result describes a successful run. Paths are absolute.
type Result struct {
	JobID              string          `json:"jobId"`
	WorkDir            string          `json:"workDir"`
	ThumbnailPath      string          `json:"thumbnailPath"`
	MasterManifestPath string          `json:"masterManifestPath"`
	DurationSeconds    int64           `json:"durationSeconds"`
	Renditions         []RenditionSpec `json:"renditions"`
	Elapsed            time.Duration   `json:"elapsed"`
}

// Pipeline runs transcode jobs. It is safe for concurrent use; every job
// gets its own working directory.
type Pipeline struct {
	opts       Options
	runner     ffmpeg.Runner
	logger     *slog.Logger
	outputRoot string
	failedRoot string
	newID      func() string
}

// NewPipeline creates a pipeline and its output directory.
func NewPipeline(opts Options, runner ffmpeg.Runner, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	if opts.WorkRoot == "" {
		return nil, errors.New("work root is required")
	}

	root, err := filepath.Abs(opts.WorkRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving work root: %w", err)
	}
	outputRoot := filepath.Join(root, OutputDirName)
	if err := os.MkdirAll(outputRoot, 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &Pipeline{
		opts:       opts,
		runner:     runner,
		logger:     observability.WithComponent(logger, "transcode"),
		outputRoot: outputRoot,
		failedRoot: filepath.Join(root, FailedDirName),
		newID:      newJobID,
	}, nil
}

// OutputRoot returns the directory holding completed job trees.
func (p *Pipeline) OutputRoot() string {
	return p.outputRoot
}

// Run transcodes sourcePath into one HLS variant per rendition. On failure
// the working directory is removed, or moved aside when KeepFailed is set,
// and the returned error is an *Error.
func (p *Pipeline) Run(ctx context.Context, sourcePath string, renditions []RenditionSpec) (*Result, error) {
	if err := ValidateLadder(renditions); err != nil {
		return nil, newError(StageValidate, "", ErrTranscodeFailed, "", err)
	}
	src, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, newError(StageProbe, "", ErrTranscodeFailed, "", err)
	}

	job := &Job{
		ID:         p.newID(),
		SourcePath: src,
		Renditions: renditions,
		Status:     JobPending,
	}
	logger := observability.WithJob(p.logger, job.ID)
	started := time.Now()

	var runErr error
	done := observability.TimedOperationWithError(ctx, logger, "transcode", &runErr)
	defer done()

	duration, runErr := p.probe(ctx, job)
	if runErr != nil {
		job.Status = JobFailed
		return nil, runErr
	}

	if runErr = p.allocate(job); runErr != nil {
		job.Status = JobFailed
		return nil, runErr
	}
	job.Status = JobRunning

	defer func() {
		if runErr != nil {
			job.Status = JobFailed
			p.discard(ctx, logger, job)
		}
	}()

	if runErr = p.thumbnail(ctx, job); runErr != nil {
		return nil, runErr
	}
	if runErr = p.encode(ctx, job); runErr != nil {
		return nil, runErr
	}
	if runErr = validateOutput(job.WorkDir, job.MasterManifestPath, len(renditions)); runErr != nil {
		runErr = newError(StageValidate, job.ID, ErrTranscodeFailed, "", runErr)
		return nil, runErr
	}

	job.Status = JobCompleted
	return &Result{
		JobID:              job.ID,
		WorkDir:            job.WorkDir,
		ThumbnailPath:      job.ThumbnailPath,
		MasterManifestPath: job.MasterManifestPath,
		DurationSeconds:    int64(duration / time.Second),
		Renditions:         renditions,
		Elapsed:            time.Since(started),
	}, nil
}

func (p *Pipeline) probe(ctx context.Context, job *Job) (time.Duration, error) {
	d, res, err := ffmpeg.ProbeDuration(ctx, p.runner, p.opts.FFprobePath, job.SourcePath)
	if err != nil {
		return 0, newError(StageProbe, job.ID, ErrTranscodeFailed, stderrOf(res), err)
	}
	if d < p.opts.ThumbnailOffset {
		return 0, newError(StageProbe, job.ID, ErrThumbnailExtractionFailed, "",
			fmt.Errorf("source is %s long, shorter than the thumbnail offset %s", d, p.opts.ThumbnailOffset))
	}
	return d, nil
}

func (p *Pipeline) allocate(job *Job) error {
	dir := filepath.Join(p.outputRoot, job.ID)
	// Mkdir fails if the directory exists, so no two jobs share a tree.
	if err := os.Mkdir(dir, 0o750); err != nil {
		return newError(StageWorkDir, job.ID, ErrTranscodeFailed, "", err)
	}
	for i := range job.Renditions {
		if err := os.Mkdir(filepath.Join(dir, strconv.Itoa(i)), 0o750); err != nil {
			os.RemoveAll(dir)
			return newError(StageWorkDir, job.ID, ErrTranscodeFailed, "", err)
		}
	}

	job.WorkDir = dir
	job.ThumbnailPath = filepath.Join(dir, mediasource.ThumbnailName)
	job.MasterManifestPath = filepath.Join(dir, mediasource.MasterManifestName)
	return nil
}

func (p *Pipeline) thumbnail(ctx context.Context, job *Job) error {
	cmd := ffmpeg.NewCommandBuilder(p.opts.FFmpegPath).
		HideBanner().
		Overwrite().
		Seek(formatTimestamp(p.opts.ThumbnailOffset)).
		Input(job.SourcePath).
		Frames(1).
		VideoFilter(fmt.Sprintf("scale=%d:-1", p.opts.ThumbnailWidth)).
		Output(job.ThumbnailPath).
		Build()

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return newError(StageThumbnail, job.ID, ErrThumbnailExtractionFailed, stderrOf(res), err)
	}

	info, err := os.Stat(job.ThumbnailPath)
	if err != nil || info.Size() == 0 {
		return newError(StageThumbnail, job.ID, ErrThumbnailExtractionFailed, stderrOf(res),
			errors.New("encoder wrote no frame"))
	}
	return nil
}

// EncodeCommand builds the single multi-output HLS command for job.
func (p *Pipeline) EncodeCommand(job *Job) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(p.opts.FFmpegPath).
		HideBanner().
		Overwrite().
		Input(job.SourcePath)

	streamMap := make([]string, len(job.Renditions))
	for i := range job.Renditions {
		b.Map("0:v:0").Map("0:a:0")
		streamMap[i] = fmt.Sprintf("v:%d,a:%d", i, i)
	}
	for i, r := range job.Renditions {
		b.StreamVideoFilter(i, r.ScaleFilter()).
			StreamVideoCodec(i, p.opts.VideoCodec, r.VideoBitrateKbps, r.MaxBitrateKbps, r.BufferSizeKbps).
			StreamAudioCodec(i, p.opts.AudioCodec, r.AudioBitrateKbps)
	}

	return b.
		HLSVODArgs(p.opts.SegmentSeconds,
			filepath.Join(job.WorkDir, "%v", segmentPattern),
			mediasource.MasterManifestName,
			strings.Join(streamMap, " ")).
		Output(filepath.Join(job.WorkDir, "%v", variantManifestName)).
		Build()
}

func (p *Pipeline) encode(ctx context.Context, job *Job) error {
	res, err := p.runner.Run(ctx, p.EncodeCommand(job))
	if err != nil {
		return newError(StageEncode, job.ID, ErrTranscodeFailed, stderrOf(res), err)
	}
	if res != nil && res.Usage != nil {
		p.logger.DebugContext(ctx, "encoder resource usage",
			slog.String("job_id", job.ID),
			slog.Uint64("peak_rss_bytes", res.Usage.PeakRSSBytes),
			slog.Duration("cpu_user", res.Usage.CPUUser),
		)
	}
	return nil
}

func (p *Pipeline) discard(ctx context.Context, logger *slog.Logger, job *Job) {
	if job.WorkDir == "" {
		return
	}

	if p.opts.KeepFailed {
		dest := filepath.Join(p.failedRoot, job.ID)
		err := os.MkdirAll(p.failedRoot, 0o750)
		if err == nil {
			err = os.Rename(job.WorkDir, dest)
		}
		if err == nil {
			logger.WarnContext(ctx, "kept failed job output", slog.String("path", dest))
			return
		}
		logger.WarnContext(ctx, "could not keep failed job output", slog.String("error", err.Error()))
	}

	if err := os.RemoveAll(job.WorkDir); err != nil {
		logger.ErrorContext(ctx, "removing failed job output",
			slog.String("path", job.WorkDir),
			slog.String("error", err.Error()),
		)
	}
}

// validateOutput checks that the master manifest lists exactly n variants
// and that every variant playlist is complete and its segments exist.
func validateOutput(workDir, masterPath string, n int) error {
	data, err := os.ReadFile(masterPath)
	if err != nil {
		return fmt.Errorf("reading master manifest: %w", err)
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parsing master manifest: %w", err)
	}
	master, ok := pl.(*playlist.Multivariant)
	if !ok {
		return errors.New("master manifest is not a multivariant playlist")
	}
	if len(master.Variants) != n {
		return fmt.Errorf("master manifest has %d variants, want %d", len(master.Variants), n)
	}

	for _, v := range master.Variants {
		variantPath, err := resolveLocal(workDir, "", v.URI)
		if err != nil {
			return err
		}
		if err := validateVariant(workDir, variantPath); err != nil {
			return err
		}
	}
	return nil
}

func validateVariant(workDir, variantPath string) error {
	data, err := os.ReadFile(variantPath)
	if err != nil {
		return fmt.Errorf("reading variant playlist: %w", err)
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parsing variant playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return fmt.Errorf("%s is not a media playlist", filepath.Base(variantPath))
	}
	if !media.Endlist || len(media.Segments) == 0 {
		return fmt.Errorf("%s is incomplete", variantPath)
	}

	rel, err := filepath.Rel(workDir, filepath.Dir(variantPath))
	if err != nil {
		return err
	}
	for _, seg := range media.Segments {
		segPath, err := resolveLocal(workDir, filepath.ToSlash(rel), seg.URI)
		if err != nil {
			return err
		}
		if _, err := os.Stat(segPath); err != nil {
			return fmt.Errorf("segment missing: %w", err)
		}
	}
	return nil
}

// resolveLocal resolves a playlist URI relative to dir inside workDir.
func resolveLocal(workDir, dir, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.IsAbs() || u.Host != "" || path.IsAbs(u.Path) {
		return "", fmt.Errorf("playlist references non-local URI %q", uri)
	}
	rel := path.Clean(path.Join(dir, u.Path))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("playlist URI %q escapes the job directory", uri)
	}
	return filepath.Join(workDir, filepath.FromSlash(rel)), nil
}

func formatTimestamp(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	if d == 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

func stderrOf(res *ffmpeg.Result) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}

func newJobID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}
