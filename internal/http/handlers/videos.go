package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vodproxy/internal/catalog"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/models"
)

// VideoHandler serves the playable catalog and the ingested video records.
type VideoHandler struct {
	catalog *catalog.Service
	logger  *slog.Logger
}

// NewVideoHandler creates a new video handler.
func NewVideoHandler(svc *catalog.Service) *VideoHandler {
	return &VideoHandler{
		catalog: svc,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *VideoHandler) WithLogger(logger *slog.Logger) *VideoHandler {
	h.logger = logger
	return h
}

// ListVideosInput is the input for listing catalog items.
type ListVideosInput struct {
	Genre    string `query:"genre" doc:"Keep items whose first genre matches, ignoring case"`
	ParentID string `query:"parentId" doc:"Upstream folder or library to list"`
}

// ListVideosOutput is the output for listing catalog items.
type ListVideosOutput struct {
	Body struct {
		Items []catalog.Item `json:"items"`
	}
}

// GetVideoInput is the input for fetching one catalog item.
type GetVideoInput struct {
	ID string `path:"id" doc:"Upstream item id"`
}

// GetVideoOutput is the output for fetching one catalog item.
type GetVideoOutput struct {
	Body catalog.Item
}

// ListCatalogInput is the input for listing ingested videos.
type ListCatalogInput struct {
	Genre  string `query:"genre" doc:"Genre name, ignoring case"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
	Offset int    `query:"offset" default:"0" minimum:"0"`
}

// VideoRecordResponse is an ingested video in API responses.
type VideoRecordResponse struct {
	ID              models.ULID `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Genre           string      `json:"genre,omitempty"`
	DurationSeconds int64       `json:"durationSeconds"`
	MediaItemID     string      `json:"mediaItemId,omitempty"`
	PlaybackURL     string      `json:"playbackUrl,omitempty"`
	ThumbnailURL    string      `json:"thumbnailUrl,omitempty"`
	ExpiresAt       int64       `json:"expiresAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// ListCatalogOutput is the output for listing ingested videos.
type ListCatalogOutput struct {
	Body struct {
		Videos []VideoRecordResponse `json:"videos"`
		Total  int64                 `json:"total"`
	}
}

// Register registers the catalog routes with the API.
func (h *VideoHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listVideos",
		Method:      http.MethodGet,
		Path:        "/api/v1/videos",
		Summary:     "List playable videos",
		Description: "Lists media source items, each with a freshly signed playback URL",
		Tags:        []string{"Videos"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getVideo",
		Method:      http.MethodGet,
		Path:        "/api/v1/videos/{id}",
		Summary:     "Get a playable video",
		Tags:        []string{"Videos"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "listCatalog",
		Method:      http.MethodGet,
		Path:        "/api/v1/catalog",
		Summary:     "List ingested videos",
		Description: "Lists active video records created by ingestion, newest first",
		Tags:        []string{"Videos"},
	}, h.ListCatalog)
}

// List returns the playable catalog.
func (h *VideoHandler) List(ctx context.Context, input *ListVideosInput) (*ListVideosOutput, error) {
	items, err := h.catalog.List(ctx, catalog.ListOptions{Genre: input.Genre, ParentID: input.ParentID})
	if err != nil {
		return nil, h.upstreamError(ctx, "failed to list videos", err)
	}
	out := &ListVideosOutput{}
	out.Body.Items = items
	return out, nil
}

// Get returns one playable catalog item.
func (h *VideoHandler) Get(ctx context.Context, input *GetVideoInput) (*GetVideoOutput, error) {
	item, err := h.catalog.Get(ctx, input.ID)
	if err != nil {
		if errors.Is(err, mediasource.ErrNotFound) {
			return nil, huma.Error404NotFound("video not found")
		}
		return nil, h.upstreamError(ctx, "failed to get video", err)
	}
	return &GetVideoOutput{Body: *item}, nil
}

// ListCatalog returns ingested video records.
func (h *VideoHandler) ListCatalog(ctx context.Context, input *ListCatalogInput) (*ListCatalogOutput, error) {
	records, total, err := h.catalog.ListVideos(ctx, catalog.VideoQuery{
		Genre:  input.Genre,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list catalog", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("failed to list catalog")
	}

	out := &ListCatalogOutput{}
	out.Body.Total = total
	out.Body.Videos = make([]VideoRecordResponse, 0, len(records))
	for _, rec := range records {
		v := rec.Video
		resp := VideoRecordResponse{
			ID:              v.ID,
			Title:           v.Title,
			Description:     v.Description,
			DurationSeconds: v.DurationSeconds,
			MediaItemID:     v.MediaItemID,
			PlaybackURL:     rec.PlaybackURL,
			ThumbnailURL:    rec.ThumbnailURL,
			ExpiresAt:       rec.ExpiresAt,
			CreatedAt:       v.CreatedAt,
		}
		if v.Genre != nil {
			resp.Genre = v.Genre.Name
		}
		out.Body.Videos = append(out.Body.Videos, resp)
	}
	return out, nil
}

func (h *VideoHandler) upstreamError(ctx context.Context, msg string, err error) error {
	h.logger.WarnContext(ctx, msg, slog.String("error", err.Error()))
	if errors.Is(err, mediasource.ErrUpstreamUnavailable) || errors.Is(err, mediasource.ErrUpstreamError) {
		return huma.Error502BadGateway(msg)
	}
	return huma.Error500InternalServerError(msg)
}
