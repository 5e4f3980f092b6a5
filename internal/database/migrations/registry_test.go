package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db
}

func newMigrator(t *testing.T) (*Migrator, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	return m, db
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	migrations := AllMigrations()
	require.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	for _, m := range migrations {
		assert.NotNil(t, m.Up, "migration %s has no Up", m.Version)
		assert.NotNil(t, m.Down, "migration %s has no Down", m.Version)
	}
}

func TestMigrator_Up(t *testing.T) {
	ctx := context.Background()
	m, db := newMigrator(t)

	require.NoError(t, m.Up(ctx))

	assert.True(t, db.Migrator().HasTable("videos"))
	assert.True(t, db.Migrator().HasTable("genres"))
	assert.True(t, db.Migrator().HasIndex(&models.Video{}, catalogIndexName))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second run is a no-op.
	require.NoError(t, m.Up(ctx))
	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(len(AllMigrations())), count)
}

func TestMigrator_Down_RollsBackLastMigration(t *testing.T) {
	ctx := context.Background()
	m, db := newMigrator(t)
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasIndex(&models.Video{}, catalogIndexName))
	assert.True(t, db.Migrator().HasTable("videos"))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "002", pending[0].Version)

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable("videos"))

	require.NoError(t, m.Down(ctx), "rolling back with nothing applied is a no-op")
}

func TestMigrations_CanInsertData(t *testing.T) {
	ctx := context.Background()
	m, db := newMigrator(t)
	require.NoError(t, m.Up(ctx))

	genre := &models.Genre{Name: "Animation"}
	require.NoError(t, db.Create(genre).Error)

	video := &models.Video{
		Title:        "Big Buck Bunny",
		OriginalFile: "bunny.mp4",
		GenreID:      &genre.ID,
	}
	require.NoError(t, db.Create(video).Error)

	var loaded models.Video
	require.NoError(t, db.Preload("Genre").First(&loaded, "id = ?", video.ID).Error)
	require.NotNil(t, loaded.Genre)
	assert.Equal(t, "Animation", loaded.Genre.Name)
	assert.True(t, loaded.Active(), "is_active defaults to true")
}
