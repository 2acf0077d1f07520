package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotBackend persists a memory document as one MemorySnapshot row.
// It satisfies jsonstore.Backend.
type SnapshotBackend struct {
	DB   *gorm.DB
	Name string
}

// Load returns the stored document, or nil if the row does not exist yet.
func (b SnapshotBackend) Load(ctx context.Context) ([]byte, error) {
	var snap models.MemorySnapshot
	err := b.DB.WithContext(ctx).Where("name = ?", b.Name).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: load snapshot %q: %w", b.Name, err)
	}
	return []byte(snap.Document), nil
}

// Store upserts the document and bumps its revision.
func (b SnapshotBackend) Store(ctx context.Context, data []byte) error {
	snap := models.MemorySnapshot{
		Name:     b.Name,
		Document: string(data),
		Revision: 1,
	}
	result := b.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"document":   snap.Document,
			"revision":   gorm.Expr("revision + 1"),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&snap)
	if result.Error != nil {
		return fmt.Errorf("db: store snapshot %q: %w", b.Name, result.Error)
	}
	return nil
}

// Revision returns the current revision of the named snapshot, 0 if absent.
func (b SnapshotBackend) Revision(ctx context.Context) (uint, error) {
	var snap models.MemorySnapshot
	err := b.DB.WithContext(ctx).Select("revision").Where("name = ?", b.Name).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db: snapshot revision %q: %w", b.Name, err)
	}
	return snap.Revision, nil
}
