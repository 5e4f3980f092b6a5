// Package mediasource abstracts the upstream system that holds media files
// and their metadata. The proxy and ingestion code depend only on Source, so
// a Jellyfin server and the local transcode library are interchangeable.
package mediasource

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound means the upstream does not have the item or file.
	ErrNotFound = errors.New("media not found")
	// ErrUpstreamUnavailable means the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("media source unavailable")
	// ErrUpstreamError means the upstream answered with an unexpected status.
	ErrUpstreamError = errors.New("media source error")
)

// UpstreamStatusError carries the status of an unexpected upstream response.
// It matches ErrUpstreamError with errors.Is.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("media source returned status %d", e.StatusCode)
}

// Is reports whether target is ErrUpstreamError.
func (e *UpstreamStatusError) Is(target error) bool {
	return target == ErrUpstreamError
}

// ticksPerSecond is the number of 100ns ticks in a second.
const ticksPerSecond = 10_000_000

// MediaItem is a read-only projection of an upstream item.
type MediaItem struct {
	ID           string   `json:"Id"`
	Name         string   `json:"Name"`
	Overview     string   `json:"Overview,omitempty"`
	RunTimeTicks int64    `json:"RunTimeTicks,omitempty"`
	Genres       []string `json:"Genres,omitempty"`
	Path         string   `json:"Path,omitempty"`
}

// DurationSeconds returns the runtime in whole seconds, truncated.
func (m MediaItem) DurationSeconds() int64 {
	return m.RunTimeTicks / ticksPerSecond
}

// PrimaryGenre returns the first genre, or "" when there is none.
func (m MediaItem) PrimaryGenre() string {
	if len(m.Genres) == 0 {
		return ""
	}
	return m.Genres[0]
}

// Stream is an open upstream body. The caller must close Body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	// ContentLength is -1 when the upstream did not say.
	ContentLength int64
}

// Source is the capability set the core needs from a media provider.
type Source interface {
	// ListItems returns items newest first, then by name. parentID may be empty.
	ListItems(ctx context.Context, parentID string) ([]MediaItem, error)
	GetItem(ctx context.Context, id string) (*MediaItem, error)
	// StreamBytes opens filename under itemID for relaying. The body is not buffered.
	StreamBytes(ctx context.Context, itemID, filename string) (*Stream, error)
	// TriggerLibraryRescan asks the provider to pick up new files.
	// It never fails from the caller's point of view.
	TriggerLibraryRescan(ctx context.Context)
	ThumbnailURL(id string) string
}
