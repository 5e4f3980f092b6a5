package mediasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/vodproxy/internal/config"
	"github.com/jmylchreest/vodproxy/internal/observability"
	"github.com/jmylchreest/vodproxy/internal/version"
	"github.com/jmylchreest/vodproxy/pkg/httpclient"
)

// HeaderToken is the Jellyfin API key header.
const HeaderToken = "X-MediaBrowser-Token"

// Query values used when listing library items.
const (
	listItemTypes = "Movie,Video"
	listFields    = "PrimaryImageAspectRatio,Path,Overview,Genres,RunTimeTicks"
	listSortBy    = "DateCreated,SortName"
	listSortOrder = "Descending"

	// Large libraries return a few MB of item JSON; anything beyond this is
	// a misbehaving upstream.
	maxMetadataSize = 32 << 20
)

// Jellyfin is a Source backed by a Jellyfin server.
type Jellyfin struct {
	baseURL string
	apiKey  string
	userID  string

	meta   *httpclient.Client
	stream *http.Client
	logger *slog.Logger
}

// JellyfinOption configures a Jellyfin source.
type JellyfinOption func(*Jellyfin)

// WithStreamClient replaces the client used for media bodies.
func WithStreamClient(c *http.Client) JellyfinOption {
	return func(j *Jellyfin) {
		j.stream = c
	}
}

// NewJellyfin creates a Jellyfin source. Metadata calls are bounded by
// cfg.Timeout and protected by a circuit breaker; media bodies are not
// time-limited and end only when the request context does.
func NewJellyfin(cfg config.MediaSourceConfig, logger *slog.Logger, opts ...JellyfinOption) *Jellyfin {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "jellyfin")

	hc := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	if cfg.CircuitThreshold > 0 {
		hc.CircuitThreshold = cfg.CircuitThreshold
	}
	if cfg.CircuitResetTimeout > 0 {
		hc.CircuitTimeout = cfg.CircuitResetTimeout
	}
	// A missing item is a normal answer, not an upstream fault.
	hc.AcceptableStatusCodes = httpclient.MustParseStatusCodes("200-299,404")
	hc.MaxResponseSize = maxMetadataSize
	hc.UserAgent = version.UserAgent()
	hc.Logger = logger

	j := &Jellyfin{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		meta:    httpclient.New(hc),
		stream:  &http.Client{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type itemsResponse struct {
	Items []MediaItem `json:"Items"`
}

// ListItems implements Source.
func (j *Jellyfin) ListItems(ctx context.Context, parentID string) ([]MediaItem, error) {
	q := url.Values{}
	q.Set("IncludeItemTypes", listItemTypes)
	q.Set("Recursive", "true")
	q.Set("Fields", listFields)
	q.Set("SortBy", listSortBy)
	q.Set("SortOrder", listSortOrder)
	if parentID != "" {
		q.Set("ParentId", parentID)
	}

	endpoint := j.baseURL + "/Users/" + url.PathEscape(j.userID) + "/Items?" + q.Encode()
	resp, err := j.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("listing items: %w", &UpstreamStatusError{StatusCode: resp.StatusCode})
	}

	var body itemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("listing items: decoding response: %w", errors.Join(ErrUpstreamError, err))
	}
	if body.Items == nil {
		body.Items = []MediaItem{}
	}
	return body.Items, nil
}

// GetItem implements Source.
func (j *Jellyfin) GetItem(ctx context.Context, id string) (*MediaItem, error) {
	endpoint := j.baseURL + "/Users/" + url.PathEscape(j.userID) + "/Items/" + url.PathEscape(id)
	resp, err := j.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("getting item %s: %w", id, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("getting item %s: %w", id, &UpstreamStatusError{StatusCode: resp.StatusCode})
	}

	var item MediaItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("getting item %s: decoding response: %w", id, errors.Join(ErrUpstreamError, err))
	}
	if item.ID == "" {
		item.ID = id
	}
	return &item, nil
}

// StreamBytes implements Source. The request is attempted once.
func (j *Jellyfin) StreamBytes(ctx context.Context, itemID, filename string) (*Stream, error) {
	endpoint := j.baseURL + "/Videos/" + url.PathEscape(itemID) + "/" + escapeSegments(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set(HeaderToken, j.apiKey)
	// Identity keeps Content-Length meaningful for the relay.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := j.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("streaming %s/%s: %w: %w", itemID, filename, ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("streaming %s/%s: %w", itemID, filename, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("streaming %s/%s: %w", itemID, filename, &UpstreamStatusError{StatusCode: resp.StatusCode})
	}

	return &Stream{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// TriggerLibraryRescan implements Source.
func (j *Jellyfin) TriggerLibraryRescan(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/Library/Refresh", nil)
	if err != nil {
		j.logger.WarnContext(ctx, "library rescan request could not be built", slog.String("error", err.Error()))
		return
	}
	req.Header.Set(HeaderToken, j.apiKey)

	resp, err := j.meta.DoWithContext(ctx, req)
	if err != nil {
		j.logger.WarnContext(ctx, "library rescan failed", slog.String("error", err.Error()))
		return
	}
	drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		j.logger.WarnContext(ctx, "library rescan rejected", slog.Int("status", resp.StatusCode))
		return
	}
	j.logger.DebugContext(ctx, "library rescan triggered")
}

// ThumbnailURL implements Source.
func (j *Jellyfin) ThumbnailURL(id string) string {
	return j.baseURL + "/Items/" + url.PathEscape(id) + "/Images/Primary?quality=80&fillHeight=540&fillWidth=960"
}

func (j *Jellyfin) getJSON(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(HeaderToken, j.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := j.meta.DoWithContext(ctx, req)
	if err != nil {
		return nil, classifyClientError(ctx, err)
	}
	return resp, nil
}

// classifyClientError maps httpclient failures onto the Source error set.
func classifyClientError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return &UpstreamStatusError{StatusCode: statusErr.StatusCode}
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

func escapeSegments(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 4096)
	body.Close()
}
