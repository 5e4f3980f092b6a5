package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/events"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/storage"
	"github.com/jmylchreest/vodproxy/internal/transcode"
)

var (
	admin  = auth.Identity{UserID: "u-admin", Username: "root", Admin: true}
	viewer = auth.Identity{UserID: "u-viewer", Username: "bob"}
)

type fakeTranscoder struct {
	mu       sync.Mutex
	calls    int
	outRoot  string
	err      error
	block    chan struct{}
	duration int64
}

func (f *fakeTranscoder) Run(ctx context.Context, sourcePath string, renditions []transcode.RenditionSpec) (*transcode.Result, error) {
	f.mu.Lock()
	f.calls++
	jobID := "job" + string(rune('a'+f.calls-1))
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	workDir := filepath.Join(f.outRoot, jobID)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, err
	}
	master := filepath.Join(workDir, mediasource.MasterManifestName)
	thumb := filepath.Join(workDir, mediasource.ThumbnailName)
	if err := os.WriteFile(master, []byte("#EXTM3U\n"), 0o640); err != nil {
		return nil, err
	}
	if err := os.WriteFile(thumb, []byte("jpg"), 0o640); err != nil {
		return nil, err
	}
	return &transcode.Result{
		JobID:              jobID,
		WorkDir:            workDir,
		ThumbnailPath:      thumb,
		MasterManifestPath: master,
		DurationSeconds:    f.duration,
		Renditions:         renditions,
	}, nil
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSource struct {
	mu      sync.Mutex
	items   []mediasource.MediaItem
	listErr error
	rescans int
}

func (s *fakeSource) ListItems(context.Context, string) ([]mediasource.MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, s.listErr
}

func (s *fakeSource) GetItem(context.Context, string) (*mediasource.MediaItem, error) {
	return nil, mediasource.ErrNotFound
}

func (s *fakeSource) StreamBytes(context.Context, string, string) (*mediasource.Stream, error) {
	return nil, mediasource.ErrNotFound
}

func (s *fakeSource) TriggerLibraryRescan(context.Context) {
	s.mu.Lock()
	s.rescans++
	s.mu.Unlock()
}

func (s *fakeSource) ThumbnailURL(id string) string { return "/thumb/" + id }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type harness struct {
	orch       *Orchestrator
	db         *gorm.DB
	store      repository.Store
	transcoder *fakeTranscoder
	source     *fakeSource
	publisher  *recordingPublisher
	locker     *MemoryLocker
	libraryDir string
	srcDir     string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Genre{}, &models.Video{}))

	libraryDir := t.TempDir()
	sb, err := storage.NewSandbox(libraryDir)
	require.NoError(t, err)
	srcDir := t.TempDir()
	uploads, err := storage.NewSandbox(srcDir)
	require.NoError(t, err)

	h := &harness{
		db:         db,
		store:      repository.NewStore(db),
		transcoder: &fakeTranscoder{outRoot: filepath.Join(t.TempDir(), "hls"), duration: 596},
		source:     &fakeSource{},
		publisher:  &recordingPublisher{},
		locker:     NewMemoryLocker(),
		libraryDir: libraryDir,
		srcDir:     srcDir,
	}
	h.orch = New(Deps{
		Store:      h.store,
		Originals:  storage.NewLocalStore(sb),
		Transcoder: h.transcoder,
		Source:     h.source,
		Locker:     h.locker,
		Publisher:  h.publisher,
		Uploads:    uploads,
	}, opts, nil)
	return h
}

func (h *harness) writeSource(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.srcDir, name)
	require.NoError(t, os.WriteFile(p, []byte("source media"), 0o640))
	return p
}

func (h *harness) videoCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.Video{}).Count(&n).Error)
	return n
}

func libraryFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestIngest_Success(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 2})
	src := h.writeSource(t, "bunny.mp4")
	h.source.items = []mediasource.MediaItem{
		{ID: "jf-other", Name: "Other", Path: "/media/other.mp4"},
		{ID: "jf-bunny", Name: "Bunny upstream", Path: "/media/library/bunny.mp4"},
	}

	video, err := h.orch.Ingest(context.Background(), admin, Request{
		Title:       "  Big Buck Bunny ",
		Description: "An open movie",
		GenreName:   " animation ",
		SourcePath:  src,
	})
	require.NoError(t, err)
	require.NotNil(t, video)

	assert.Equal(t, "Big Buck Bunny", video.Title)
	assert.Equal(t, int64(596), video.DurationSeconds)
	assert.Equal(t, "bunny.mp4", video.OriginalFile)
	assert.Equal(t, "jf-bunny", video.MediaItemID)
	assert.FileExists(t, video.MasterManifestPath)
	assert.FileExists(t, video.ThumbnailPath)

	stored, err := h.store.Videos().GetByID(context.Background(), video.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.Genre)
	assert.Equal(t, "animation", stored.Genre.Name)
	assert.Equal(t, "jf-bunny", stored.MediaItemID)
	assert.True(t, stored.Active())

	assert.Equal(t, []string{"bunny.mp4"}, libraryFiles(t, h.libraryDir))
	assert.FileExists(t, filepath.Join(filepath.Dir(video.MasterManifestPath), mediasource.SidecarName))
	assert.Equal(t, 1, h.source.rescans)
	assert.Equal(t, []string{events.TypeVideoIngested}, h.publisher.Types())
}

func TestIngest_ReusesGenreCaseInsensitively(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.orch.Ingest(ctx, admin, Request{Title: "One", GenreName: "Drama", SourcePath: h.writeSource(t, "one.mp4")})
	require.NoError(t, err)
	second, err := h.orch.Ingest(ctx, admin, Request{Title: "Two", GenreName: "DRAMA", SourcePath: h.writeSource(t, "two.mp4")})
	require.NoError(t, err)

	require.NotNil(t, first.GenreID)
	require.NotNil(t, second.GenreID)
	assert.Equal(t, *first.GenreID, *second.GenreID)
}

func TestIngest_NonAdminForbidden(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.writeSource(t, "bunny.mp4")

	video, err := h.orch.Ingest(context.Background(), viewer, Request{Title: "Bunny", SourcePath: src})
	require.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, video)

	assert.Empty(t, libraryFiles(t, h.libraryDir), "no file is written")
	assert.Zero(t, h.transcoder.Calls())
	assert.Zero(t, h.videoCount(t))
	assert.Empty(t, h.publisher.Types())
}

func TestIngest_InvalidRequest(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.writeSource(t, "bunny.mp4")
	secret := filepath.Join(t.TempDir(), "secret.conf")
	require.NoError(t, os.WriteFile(secret, []byte("password=hunter2"), 0o600))

	tests := []struct {
		name string
		req  Request
	}{
		{"missing title", Request{Title: "  ", SourcePath: src}},
		{"missing source", Request{Title: "Bunny"}},
		{"source does not exist", Request{Title: "Bunny", SourcePath: filepath.Join(h.srcDir, "nope.mp4")}},
		{"source is a directory", Request{Title: "Bunny", SourcePath: h.srcDir}},
		{"title too long", Request{Title: strings.Repeat("a", 256), SourcePath: src}},
		{"source outside uploads", Request{Title: "Bunny", SourcePath: secret}},
		{"source traverses out of uploads", Request{Title: "Bunny", SourcePath: h.srcDir + "/../" + filepath.Base(filepath.Dir(secret)) + "/secret.conf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Ingest(context.Background(), admin, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, h.transcoder.Calls())
	assert.Empty(t, libraryFiles(t, h.libraryDir), "nothing is copied into the library")
}

func TestIngest_RelativeSourceResolvesInUploads(t *testing.T) {
	h := newHarness(t, Options{})
	h.writeSource(t, "bunny.mp4")

	video, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: "bunny.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "bunny.mp4", video.OriginalFile)
	assert.Equal(t, []string{"bunny.mp4"}, libraryFiles(t, h.libraryDir))
}

func TestIngest_InProgress(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.writeSource(t, "bunny.mp4")

	release, ok, err := h.locker.TryLock(context.Background(), "bunny.mp4")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: src})
	require.ErrorIs(t, err, ErrInProgress)
	assert.Zero(t, h.transcoder.Calls())

	release()
	_, err = h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: src})
	require.NoError(t, err)
}

func TestIngest_ConcurrentSameFile(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 2})
	h.transcoder.block = make(chan struct{})
	src := h.writeSource(t, "bunny.mp4")

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: src})
		firstDone <- err
	}()

	require.Eventually(t, func() bool { return h.transcoder.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny again", SourcePath: src})
	require.ErrorIs(t, err, ErrInProgress)

	close(h.transcoder.block)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int64(1), h.videoCount(t))
}

func TestIngest_ShortSourceLeavesNoRecord(t *testing.T) {
	h := newHarness(t, Options{})
	h.transcoder.err = &transcode.Error{
		Stage: transcode.StageProbe,
		Err:   transcode.ErrThumbnailExtractionFailed,
	}
	src := h.writeSource(t, "short.mp4")

	video, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Short", SourcePath: src})
	require.ErrorIs(t, err, transcode.ErrThumbnailExtractionFailed)
	assert.Nil(t, video)

	var terr *transcode.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transcode.StageProbe, terr.Stage)

	assert.Zero(t, h.videoCount(t))
	assert.Empty(t, libraryFiles(t, h.libraryDir), "the stored original is removed")
	assert.Equal(t, []string{events.TypeVideoFailed}, h.publisher.Types())
	assert.Zero(t, h.source.rescans)
}

func TestIngest_TranscodeTimeout(t *testing.T) {
	h := newHarness(t, Options{Timeout: 50 * time.Millisecond})
	h.transcoder.block = make(chan struct{})
	src := h.writeSource(t, "long.mp4")

	_, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Long", SourcePath: src})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.videoCount(t))
	assert.Empty(t, libraryFiles(t, h.libraryDir))
}

func TestIngest_ConcurrencyLimitHonoursContext(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	h.transcoder.block = make(chan struct{})
	srcA := h.writeSource(t, "a.mp4")
	srcB := h.writeSource(t, "b.mp4")

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.orch.Ingest(context.Background(), admin, Request{Title: "A", SourcePath: srcA})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return h.transcoder.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.orch.Ingest(ctx, admin, Request{Title: "B", SourcePath: srcB})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.transcoder.Calls(), "the second job never reached the pipeline")

	close(h.transcoder.block)
	require.NoError(t, <-firstDone)
}

type failingStore struct {
	repository.Store
}

func (failingStore) Transaction(context.Context, func(repository.Store) error) error {
	return errors.New("database is locked")
}

func TestIngest_RecordFailureRemovesArtifacts(t *testing.T) {
	h := newHarness(t, Options{})
	h.orch.deps.Store = failingStore{h.store}
	src := h.writeSource(t, "bunny.mp4")

	_, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: src})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording video")

	assert.NoDirExists(t, filepath.Join(h.transcoder.outRoot, "joba"))
	assert.Empty(t, libraryFiles(t, h.libraryDir))
	assert.Empty(t, h.publisher.Types())
}

func TestIngest_LookupFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.listErr = mediasource.ErrUpstreamUnavailable

	video, err := h.orch.Ingest(context.Background(), admin, Request{Title: "Bunny", SourcePath: h.writeSource(t, "bunny.mp4")})
	require.NoError(t, err)
	assert.Empty(t, video.MediaItemID)
	assert.Equal(t, []string{events.TypeVideoIngested}, h.publisher.Types())
}

func TestOrchestrator_Reconcile(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	video, err := h.orch.Ingest(ctx, admin, Request{Title: "Sintel", SourcePath: h.writeSource(t, "sintel.mkv")})
	require.NoError(t, err)
	require.Empty(t, video.MediaItemID)

	n, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.source.items = []mediasource.MediaItem{{ID: "jf-sintel", Name: "sintel"}}
	n, err = h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.Videos().GetByID(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, "jf-sintel", stored.MediaItemID)
}

func TestMatchItem(t *testing.T) {
	items := []mediasource.MediaItem{
		{ID: "by-title", Name: "Big Buck Bunny"},
		{ID: "by-path", Name: "x", Path: "/lib/bunny-1a2b3c.mp4"},
		{ID: "job42", Name: "y"},
	}

	assert.Equal(t, "job42", matchItem(items, "job42", "bunny-1a2b3c.mp4", "Big Buck Bunny"))
	assert.Equal(t, "by-path", matchItem(items, "", "bunny-1a2b3c.mp4", "Big Buck Bunny"))
	assert.Equal(t, "by-title", matchItem(items, "", "other.mp4", "big buck bunny"))
	assert.Empty(t, matchItem(items, "", "other.mp4", "Unknown"))
}
