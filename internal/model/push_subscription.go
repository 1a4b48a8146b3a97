package model

import "time"

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Spots []SpotWatch `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SpotWatch links a subscription to a spot it wants availability alerts for.
type SpotWatch struct {
	Endpoint string `gorm:"primaryKey;size:512"`
	SpotID   string `gorm:"primaryKey;size:64;index"`
}
