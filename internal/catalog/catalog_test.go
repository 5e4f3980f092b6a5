package catalog

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/signing"
)

type stubSource struct {
	items    []mediasource.MediaItem
	err      error
	parentID string
	thumbFn  func(id string) string
}

func (s *stubSource) ListItems(_ context.Context, parentID string) ([]mediasource.MediaItem, error) {
	s.parentID = parentID
	return s.items, s.err
}

func (s *stubSource) GetItem(_ context.Context, id string) (*mediasource.MediaItem, error) {
	for i := range s.items {
		if s.items[i].ID == id {
			return &s.items[i], nil
		}
	}
	return nil, mediasource.ErrNotFound
}

func (s *stubSource) StreamBytes(context.Context, string, string) (*mediasource.Stream, error) {
	return nil, mediasource.ErrNotFound
}

func (s *stubSource) TriggerLibraryRescan(context.Context) {}

func (s *stubSource) ThumbnailURL(id string) string {
	if s.thumbFn != nil {
		return s.thumbFn(id)
	}
	return "https://media.example.com/Items/" + id + "/Images/Primary"
}

var testItems = []mediasource.MediaItem{
	{ID: "a1", Name: "Big Buck Bunny", Overview: "A rabbit", RunTimeTicks: 5_969_999_999, Genres: []string{"Animation", "Comedy"}},
	{ID: "b2", Name: "Sintel", RunTimeTicks: 8_880_000_000, Genres: []string{"Fantasy"}},
	{ID: "c3", Name: "Untagged"},
}

func newTestService(t *testing.T, src mediasource.Source) (*Service, *signing.Signer) {
	t.Helper()
	signer, err := signing.NewSigner([]byte("catalog-secret"))
	require.NoError(t, err)
	return NewService(src, signer, time.Hour, nil), signer
}

func parseSigned(t *testing.T, signer *signing.Signer, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, signer.VerifyQuery(u.Path, u.Query()))
	return u.Path
}

func TestService_List(t *testing.T) {
	src := &stubSource{items: testItems}
	svc, signer := newTestService(t, src)

	items, err := svc.List(context.Background(), ListOptions{ParentID: "lib-1"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "lib-1", src.parentID)

	first := items[0]
	assert.Equal(t, "a1", first.ID)
	assert.Equal(t, "Big Buck Bunny", first.Title)
	assert.Equal(t, "A rabbit", first.Description)
	assert.Equal(t, int64(596), first.DurationSeconds, "ticks are truncated to whole seconds")
	assert.Equal(t, "Animation", first.Genre)
	assert.Equal(t, "/stream/a1/master.m3u8", parseSigned(t, signer, first.PlaybackURL))
	assert.Equal(t, "https://media.example.com/Items/a1/Images/Primary", first.ThumbnailURL)
	assert.Greater(t, first.ExpiresAt, time.Now().Unix())

	assert.Empty(t, items[2].Genre)
}

func TestService_List_GenreFilter(t *testing.T) {
	svc, _ := newTestService(t, &stubSource{items: testItems})

	tests := []struct {
		genre string
		want  []string
	}{
		{genre: "animation", want: []string{"a1"}},
		{genre: " FANTASY ", want: []string{"b2"}},
		{genre: "Comedy", want: []string{}},
		{genre: "", want: []string{"a1", "b2", "c3"}},
	}

	for _, tt := range tests {
		t.Run(tt.genre, func(t *testing.T) {
			items, err := svc.List(context.Background(), ListOptions{Genre: tt.genre})
			require.NoError(t, err)
			ids := make([]string, 0, len(items))
			for _, it := range items {
				ids = append(ids, it.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestService_List_SignsLocalThumbnails(t *testing.T) {
	src := &stubSource{
		items:   testItems[:1],
		thumbFn: func(id string) string { return "/stream/" + id + "/thumbnail.jpg" },
	}
	svc, signer := newTestService(t, src)

	items, err := svc.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/stream/a1/thumbnail.jpg", parseSigned(t, signer, items[0].ThumbnailURL))
}

func TestService_List_UpstreamError(t *testing.T) {
	svc, _ := newTestService(t, &stubSource{err: mediasource.ErrUpstreamUnavailable})

	_, err := svc.List(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, mediasource.ErrUpstreamUnavailable)
}

func TestService_Get(t *testing.T) {
	svc, signer := newTestService(t, &stubSource{items: testItems})

	item, err := svc.Get(context.Background(), "b2")
	require.NoError(t, err)
	assert.Equal(t, "Sintel", item.Title)
	assert.Equal(t, int64(888), item.DurationSeconds)
	assert.Equal(t, "/stream/b2/master.m3u8", parseSigned(t, signer, item.PlaybackURL))

	_, err = svc.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, mediasource.ErrNotFound))
}

func TestService_ListVideos(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Genre{}, &models.Video{}))

	store := repository.NewStore(db)
	ctx := context.Background()
	drama, err := store.Genres().GetOrCreate(ctx, "Drama")
	require.NoError(t, err)

	require.NoError(t, store.Videos().Create(ctx, &models.Video{
		Title:              "One",
		OriginalFile:       "one.mp4",
		GenreID:            &drama.ID,
		MediaItemID:        "a1",
		MasterManifestPath: "/var/lib/vodproxy/work/hls/job-1/master.m3u8",
	}))
	require.NoError(t, store.Videos().Create(ctx, &models.Video{Title: "Two", OriginalFile: "two.mp4"}))
	require.NoError(t, store.Videos().Create(ctx, &models.Video{Title: "Hidden", OriginalFile: "h.mp4", IsActive: models.BoolPtr(false)}))

	signer, err := signing.NewSigner([]byte("s"))
	require.NoError(t, err)
	svc := NewService(&stubSource{thumbFn: func(id string) string {
		return StreamPrefix + id + "/thumbnail.jpg"
	}}, signer, time.Hour, store)

	list, total, err := svc.ListVideos(ctx, VideoQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "inactive videos are excluded")
	require.Len(t, list, 1)
	assert.Equal(t, "Two", list[0].Video.Title)
	assert.Empty(t, list[0].PlaybackURL, "unmatched videos are not playable yet")
	assert.Empty(t, list[0].ThumbnailURL)

	list, total, err = svc.ListVideos(ctx, VideoQuery{Genre: "DRAMA"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "One", list[0].Video.Title)
	assert.Equal(t, "/stream/a1/master.m3u8", parseSigned(t, signer, list[0].PlaybackURL))
	assert.Equal(t, "/stream/a1/thumbnail.jpg", parseSigned(t, signer, list[0].ThumbnailURL))
	assert.NotZero(t, list[0].ExpiresAt)

	list, total, err = svc.ListVideos(ctx, VideoQuery{Genre: "Western"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}
