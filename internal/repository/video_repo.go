package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/vodproxy/internal/models"
	"gorm.io/gorm"
)

// videoRepo implements VideoRepository using GORM.
type videoRepo struct {
	db *gorm.DB
}

// NewVideoRepository creates a new VideoRepository.
func NewVideoRepository(db *gorm.DB) *videoRepo {
	return &videoRepo{db: db}
}

// Create creates a new video.
func (r *videoRepo) Create(ctx context.Context, video *models.Video) error {
	if err := r.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("creating video: %w", err)
	}
	return nil
}

// GetByID retrieves a video by ID. It returns nil, nil when absent.
func (r *videoRepo) GetByID(ctx context.Context, id models.ULID) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).Preload("Genre").Where("id = ?", id).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by ID: %w", err)
	}
	return &video, nil
}

// List retrieves videos newest first along with the unpaginated total.
func (r *videoRepo) List(ctx context.Context, filter VideoFilter) ([]*models.Video, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Video{})
	if filter.GenreID != nil {
		query = query.Where("genre_id = ?", *filter.GenreID)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting videos: %w", err)
	}

	query = query.Preload("Genre").Order("created_at DESC, id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var videos []*models.Video
	if err := query.Find(&videos).Error; err != nil {
		return nil, 0, fmt.Errorf("listing videos: %w", err)
	}
	return videos, total, nil
}

// ListUnmatched retrieves videos without an upstream media item id.
func (r *videoRepo) ListUnmatched(ctx context.Context) ([]*models.Video, error) {
	var videos []*models.Video
	if err := r.db.WithContext(ctx).
		Where("media_item_id = ? OR media_item_id IS NULL", "").
		Order("created_at ASC").
		Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("listing unmatched videos: %w", err)
	}
	return videos, nil
}

// SetMediaItemID records the upstream item id without touching other columns.
func (r *videoRepo) SetMediaItemID(ctx context.Context, id models.ULID, mediaItemID string) error {
	result := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", id).
		UpdateColumn("media_item_id", mediaItemID)
	if result.Error != nil {
		return fmt.Errorf("setting media item id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("setting media item id: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// ArtifactPaths returns every recorded master manifest path.
func (r *videoRepo) ArtifactPaths(ctx context.Context) ([]string, error) {
	var paths []string
	if err := r.db.WithContext(ctx).Unscoped().Model(&models.Video{}).
		Where("master_manifest_path <> ?", "").
		Pluck("master_manifest_path", &paths).Error; err != nil {
		return nil, fmt.Errorf("listing artifact paths: %w", err)
	}
	return paths, nil
}

// Delete soft-deletes a video by ID.
func (r *videoRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Video{}).Error; err != nil {
		return fmt.Errorf("deleting video: %w", err)
	}
	return nil
}

// Ensure videoRepo implements VideoRepository at compile time.
var _ VideoRepository = (*videoRepo)(nil)
