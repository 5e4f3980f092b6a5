// Package catalog builds the playable catalog: upstream media items with
// signed playback URLs, and the ingested video records.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/repository"
	"github.com/jmylchreest/vodproxy/internal/signing"
)

// StreamPrefix is the route under which the streaming proxy serves items.
const StreamPrefix = "/stream/"

// Item is a catalog entry ready for playback.
type Item struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DurationSeconds int64  `json:"durationSeconds"`
	Genre           string `json:"genre,omitempty"`
	PlaybackURL     string `json:"playbackUrl"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// Record is an ingested video with signed stream URLs standing in for its
// artifact paths. The URLs are empty until the video is matched to an
// upstream item.
type Record struct {
	Video        *models.Video
	PlaybackURL  string
	ThumbnailURL string
	ExpiresAt    int64
}

// ListOptions filters a catalog listing.
type ListOptions struct {
	// Genre keeps items whose first genre matches, ignoring case.
	Genre string
	// ParentID scopes the listing to an upstream folder or library.
	ParentID string
}

// Service resolves catalog entries. It is safe for concurrent use.
type Service struct {
	source mediasource.Source
	signer *signing.Signer
	ttl    time.Duration
	store  repository.Store
	logger *slog.Logger
}

// NewService creates a catalog service. Playback URLs are valid for ttl.
func NewService(source mediasource.Source, signer *signing.Signer, ttl time.Duration, store repository.Store) *Service {
	return &Service{
		source: source,
		signer: signer,
		ttl:    ttl,
		store:  store,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// List returns the upstream items, each with a freshly signed playback URL.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Item, error) {
	items, err := s.source.ListItems(ctx, opts.ParentID)
	if err != nil {
		return nil, fmt.Errorf("listing media items: %w", err)
	}

	genre := strings.TrimSpace(opts.Genre)
	result := make([]Item, 0, len(items))
	for _, it := range items {
		if genre != "" && !strings.EqualFold(it.PrimaryGenre(), genre) {
			continue
		}
		result = append(result, s.resolve(it))
	}

	s.logger.DebugContext(ctx, "catalog resolved",
		slog.Int("upstream_items", len(items)),
		slog.Int("items", len(result)),
		slog.String("genre", genre),
	)
	return result, nil
}

// Get returns a single item. The error matches mediasource.ErrNotFound when
// the upstream has no such item.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	it, err := s.source.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting media item: %w", err)
	}
	item := s.resolve(*it)
	return &item, nil
}

// VideoQuery filters the ingested video listing.
type VideoQuery struct {
	// Genre matches the genre name, ignoring case.
	Genre  string
	Limit  int
	Offset int
}

// ListVideos returns active ingested videos, newest first, with the total
// number of matches.
func (s *Service) ListVideos(ctx context.Context, q VideoQuery) ([]Record, int64, error) {
	filter := repository.VideoFilter{
		ActiveOnly: true,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	if name := strings.TrimSpace(q.Genre); name != "" {
		genre, err := s.store.Genres().GetByName(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		if genre == nil {
			return []Record{}, 0, nil
		}
		filter.GenreID = &genre.ID
	}

	videos, total, err := s.store.Videos().List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	records := make([]Record, 0, len(videos))
	for _, v := range videos {
		rec := Record{Video: v}
		if v.MediaItemID != "" {
			rec.PlaybackURL, rec.ThumbnailURL, rec.ExpiresAt = s.sign(v.MediaItemID)
		}
		records = append(records, rec)
	}
	return records, total, nil
}

// PlaybackPath returns the proxy path of an item's master manifest. Item ids
// are used verbatim since the proxy verifies the decoded request path.
func PlaybackPath(itemID string) string {
	return StreamPrefix + itemID + "/" + mediasource.MasterManifestName
}

// sign returns the signed playback URL of an item, its thumbnail URL (signed
// when served through the proxy) and their shared expiry.
func (s *Service) sign(itemID string) (playbackURL, thumbnailURL string, expiresAt int64) {
	playback := s.signer.Sign(PlaybackPath(itemID), s.ttl)
	thumb := s.source.ThumbnailURL(itemID)
	if strings.HasPrefix(thumb, StreamPrefix) {
		thumb = s.signer.SignUntil(thumb, playback.ExpiresAt).String()
	}
	return playback.String(), thumb, playback.ExpiresAt
}

func (s *Service) resolve(it mediasource.MediaItem) Item {
	playback, thumb, expiresAt := s.sign(it.ID)

	return Item{
		ID:              it.ID,
		Title:           it.Name,
		Description:     it.Overview,
		DurationSeconds: it.DurationSeconds(),
		Genre:           it.PrimaryGenre(),
		PlaybackURL:     playback,
		ThumbnailURL:    thumb,
		ExpiresAt:       expiresAt,
	}
}
