package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"gorm.io/gorm"
)

// TagEventLog writes and reads the tag audit log.
type TagEventLog struct {
	DB    *gorm.DB
	Clock func() time.Time
}

// Record stores ev, filling in its ID and timestamp when unset.
func (l TagEventLog) Record(ctx context.Context, ev models.TagEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		clock := l.Clock
		if clock == nil {
			clock = time.Now
		}
		ev.CreatedAt = clock().UTC()
	}
	if err := l.DB.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("db: record tag event %s %s: %w", ev.Action, ev.EntityID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l TagEventLog) Recent(ctx context.Context, limit int) ([]models.TagEvent, error) {
	var events []models.TagEvent
	q := l.DB.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("db: recent tag events: %w", err)
	}
	return events, nil
}
