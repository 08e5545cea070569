package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SSLCertificate holds a PEM certificate chain and its key.
type SSLCertificate struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	Name        string    `json:"name"`
	Provider    string    `json:"provider"` // "custom", "letsencrypt"
	Domains     string    `json:"domains"`  // comma-separated
	Certificate string    `json:"certificate" gorm:"type:text"`
	PrivateKey  string    `json:"-" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *SSLCertificate) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	return nil
}
