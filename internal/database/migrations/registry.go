package migrations

import (
	"github.com/jmylchreest/vodproxy/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
//   - 001: genres and videos tables
//   - 002: catalog listing index on videos
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002CatalogIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create genres and videos tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Genre{}, &models.Video{})
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"videos", "genres"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

const catalogIndexName = "idx_videos_active_created"

func migration002CatalogIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add catalog listing index on videos",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.Video{}, catalogIndexName) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + catalogIndexName + " ON videos (is_active, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.Video{}, catalogIndexName) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.Video{}, catalogIndexName)
		},
	}
}
