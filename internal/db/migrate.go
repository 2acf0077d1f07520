// Package db holds the gorm connection, migrations and the database-backed
// persistence for permanent memory and the tag audit log.
package db

import (
	"fmt"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.MemorySnapshot{},
		&models.TagEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
