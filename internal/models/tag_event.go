package models

import "time"

// TagEvent is an audit record of an administrative tag or memory mutation.
type TagEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	Action         string `gorm:"size:16;not null;index"`
	Kind           string `gorm:"size:32"`
	EntityID       string `gorm:"size:256;index"`
	Tag            string `gorm:"size:128"`
	Count          int    `gorm:"default:0"`
	ActorID        string `gorm:"size:128;index"`
	ConversationID string `gorm:"size:128"`
	CreatedAt      time.Time
}
