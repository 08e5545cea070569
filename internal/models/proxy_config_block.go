package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Contexts a ProxyConfigBlock can be rendered into.
const (
	ProxyContextHTTP     = "http"
	ProxyContextServer   = "server"
	ProxyContextLocation = "location"
)

// ProxyConfigBlock is a raw nginx snippet included verbatim in the generated config.
type ProxyConfigBlock struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UUID       string    `json:"uuid" gorm:"uniqueIndex"`
	Name       string    `json:"name"`
	Context    string    `json:"context"`
	DomainUUID string    `json:"domain_uuid" gorm:"index"`
	Content    string    `json:"content" gorm:"type:text"`
	SortOrder  int       `json:"sort_order"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (b *ProxyConfigBlock) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	return nil
}
