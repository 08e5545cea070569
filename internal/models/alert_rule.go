package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertRule fires a notification when a WAF metric crosses a threshold.
type AlertRule struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	UUID          string    `json:"uuid" gorm:"uniqueIndex"`
	Name          string    `json:"name"`
	Metric        string    `json:"metric"` // "blocked_requests", "error_rate", "cert_expiry_days"
	Threshold     int       `json:"threshold"`
	WindowSeconds int       `json:"window_seconds"`
	ChannelID     string    `json:"channel_id"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (a *AlertRule) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	return nil
}
