package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vodproxy/internal/catalog"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/signing"
)

type catalogSource struct {
	fakeStreamSource
	items []mediasource.MediaItem
	err   error
}

func (s *catalogSource) ListItems(context.Context, string) ([]mediasource.MediaItem, error) {
	return s.items, s.err
}

func (s *catalogSource) GetItem(_ context.Context, id string) (*mediasource.MediaItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return &s.items[i], nil
		}
	}
	return nil, mediasource.ErrNotFound
}

type videoFixture struct {
	router http.Handler
	signer *signing.Signer
	store  repository.Store
}

func newVideoFixture(t *testing.T, src mediasource.Source) *videoFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Genre{}, &models.Video{}))
	store := repository.NewStore(db)

	signer, err := signing.NewSigner([]byte("video-secret"))
	require.NoError(t, err)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("test", "1.0.0"))
	NewVideoHandler(catalog.NewService(src, signer, time.Hour, store)).Register(api)

	return &videoFixture{router: router, signer: signer, store: store}
}

func (f *videoFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestVideoHandler_List(t *testing.T) {
	f := newVideoFixture(t, &catalogSource{items: []mediasource.MediaItem{
		{ID: "a1", Name: "Bunny", RunTimeTicks: 100_000_000, Genres: []string{"Animation"}},
		{ID: "b2", Name: "Sintel", Genres: []string{"Fantasy"}},
	}})

	rec := f.get(t, "/api/v1/videos?genre=ANIMATION")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Items []catalog.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	item := body.Items[0]
	assert.Equal(t, "a1", item.ID)
	assert.Equal(t, int64(10), item.DurationSeconds)
	assert.Equal(t, "Animation", item.Genre)

	u, err := url.Parse(item.PlaybackURL)
	require.NoError(t, err)
	assert.Equal(t, "/stream/a1/master.m3u8", u.Path)
	assert.NoError(t, f.signer.VerifyQuery(u.Path, u.Query()))
}

func TestVideoHandler_ListUpstreamDown(t *testing.T) {
	f := newVideoFixture(t, &catalogSource{err: mediasource.ErrUpstreamUnavailable})

	rec := f.get(t, "/api/v1/videos")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestVideoHandler_Get(t *testing.T) {
	f := newVideoFixture(t, &catalogSource{items: []mediasource.MediaItem{{ID: "a1", Name: "Bunny"}}})

	rec := f.get(t, "/api/v1/videos/a1")
	require.Equal(t, http.StatusOK, rec.Code)
	var item catalog.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "Bunny", item.Title)

	rec = f.get(t, "/api/v1/videos/zz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVideoHandler_ListCatalog(t *testing.T) {
	f := newVideoFixture(t, &catalogSource{})
	ctx := context.Background()

	genre, err := f.store.Genres().GetOrCreate(ctx, "Documentary")
	require.NoError(t, err)
	require.NoError(t, f.store.Videos().Create(ctx, &models.Video{
		Title:              "Earth",
		OriginalFile:       "earth.mp4",
		GenreID:            &genre.ID,
		DurationSeconds:    42,
		MediaItemID:        "e1",
		ThumbnailPath:      "/srv/work/hls/job-e/thumbnail.jpg",
		MasterManifestPath: "/srv/work/hls/job-e/master.m3u8",
	}))
	require.NoError(t, f.store.Videos().Create(ctx, &models.Video{Title: "Other", OriginalFile: "other.mp4"}))

	rec := f.get(t, "/api/v1/catalog?genre=documentary")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Videos []VideoRecordResponse `json:"videos"`
		Total  int64                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Total)
	require.Len(t, body.Videos, 1)
	assert.Equal(t, "Earth", body.Videos[0].Title)
	assert.Equal(t, "Documentary", body.Videos[0].Genre)
	assert.Equal(t, int64(42), body.Videos[0].DurationSeconds)
	assert.NotContains(t, rec.Body.String(), "/srv/work", "filesystem paths are not exposed")
	assert.NotContains(t, rec.Body.String(), "earth.mp4")

	u, err := url.Parse(body.Videos[0].PlaybackURL)
	require.NoError(t, err)
	assert.Equal(t, "/stream/e1/master.m3u8", u.Path)
	assert.NoError(t, f.signer.VerifyQuery(u.Path, u.Query()))

	rec = f.get(t, "/api/v1/catalog?limit=500")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "limit is bounded")
}
