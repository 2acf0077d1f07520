package models

import "time"

// MemorySnapshot stores one serialized permanent-memory document.
type MemorySnapshot struct {
	Name      string `gorm:"primaryKey;size:64"`
	Document  string `gorm:"type:longtext"`
	Revision  uint   `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
