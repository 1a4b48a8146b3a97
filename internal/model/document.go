package model

import "time"

// StateDocument is the single persisted row of the sql store backend.
type StateDocument struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Body      string    `gorm:"type:text;not null"`
}
