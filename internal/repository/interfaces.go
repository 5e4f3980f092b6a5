// Package repository defines data access interfaces for vodproxy entities.
// All database access goes through these interfaces.
package repository

import (
	"context"

	"github.com/jmylchreest/vodproxy/internal/models"
)

// VideoFilter narrows a video listing. Zero values match everything.
type VideoFilter struct {
	GenreID    *models.ULID
	ActiveOnly bool
	Limit      int
	Offset     int
}

// VideoRepository defines operations for video persistence.
type VideoRepository interface {
	// Create creates a new video.
	Create(ctx context.Context, video *models.Video) error
	// GetByID retrieves a video by ID with its genre preloaded.
	GetByID(ctx context.Context, id models.ULID) (*models.Video, error)
	// List retrieves videos newest first with their genres preloaded.
	List(ctx context.Context, filter VideoFilter) ([]*models.Video, int64, error)
	// ListUnmatched retrieves videos without an upstream media item id.
	ListUnmatched(ctx context.Context) ([]*models.Video, error)
	// SetMediaItemID records the upstream item id for a video.
	SetMediaItemID(ctx context.Context, id models.ULID, mediaItemID string) error
	// ArtifactPaths returns the master manifest paths of all videos, including
	// soft-deleted ones.
	ArtifactPaths(ctx context.Context) ([]string, error)
	// Delete soft-deletes a video by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// GenreRepository defines operations for genre persistence.
type GenreRepository interface {
	// GetOrCreate returns the genre matching name case-insensitively,
	// creating it when absent.
	GetOrCreate(ctx context.Context, name string) (*models.Genre, error)
	// GetByName retrieves a genre by name, ignoring case.
	GetByName(ctx context.Context, name string) (*models.Genre, error)
	// List retrieves all genres ordered by name.
	List(ctx context.Context) ([]*models.Genre, error)
}

// Store groups the catalog repositories so they can share a transaction.
type Store interface {
	Videos() VideoRepository
	Genres() GenreRepository
	// Transaction executes fn within a database transaction. The store
	// passed to fn is bound to the transaction; an error rolls it back.
	Transaction(ctx context.Context, fn func(Store) error) error
}
