package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/vodproxy/internal/models"
	"gorm.io/gorm"
)

// genreRepo implements GenreRepository using GORM.
type genreRepo struct {
	db *gorm.DB
}

// NewGenreRepository creates a new GenreRepository.
func NewGenreRepository(db *gorm.DB) *genreRepo {
	return &genreRepo{db: db}
}

// GetOrCreate returns the genre whose folded name matches, creating it
// otherwise. A concurrent insert of the same name is resolved by reading
// back the winner.
func (r *genreRepo) GetOrCreate(ctx context.Context, name string) (*models.Genre, error) {
	genre, err := r.GetByName(ctx, name)
	if err != nil || genre != nil {
		return genre, err
	}

	genre = &models.Genre{Name: name}
	createErr := r.db.WithContext(ctx).Create(genre).Error
	if createErr == nil {
		return genre, nil
	}

	var verr models.ErrValidation
	if errors.Is(createErr, models.ErrNameRequired) || errors.As(createErr, &verr) {
		return nil, fmt.Errorf("creating genre: %w", createErr)
	}
	existing, err := r.GetByName(ctx, name)
	if err != nil || existing == nil {
		return nil, fmt.Errorf("creating genre: %w", createErr)
	}
	return existing, nil
}

// GetByName retrieves a genre by case-folded name. It returns nil, nil when absent.
func (r *genreRepo) GetByName(ctx context.Context, name string) (*models.Genre, error) {
	var genre models.Genre
	if err := r.db.WithContext(ctx).Where("name_key = ?", models.FoldGenreName(name)).First(&genre).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting genre by name: %w", err)
	}
	return &genre, nil
}

// List retrieves all genres ordered by name.
func (r *genreRepo) List(ctx context.Context) ([]*models.Genre, error) {
	var genres []*models.Genre
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&genres).Error; err != nil {
		return nil, fmt.Errorf("listing genres: %w", err)
	}
	return genres, nil
}

// Ensure genreRepo implements GenreRepository at compile time.
var _ GenreRepository = (*genreRepo)(nil)
