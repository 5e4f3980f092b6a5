package repository

import (
	"context"

	"gorm.io/gorm"
)

type store struct {
	db     *gorm.DB
	videos *videoRepo
	genres *genreRepo
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *store {
	return &store{
		db:     db,
		videos: NewVideoRepository(db),
		genres: NewGenreRepository(db),
	}
}

func (s *store) Videos() VideoRepository { return s.videos }

func (s *store) Genres() GenreRepository { return s.genres }

// Transaction executes fn with a store bound to a single transaction.
func (s *store) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// Ensure store implements Store at compile time.
var _ Store = (*store)(nil)
