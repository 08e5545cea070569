package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ACLRule is an IP allow/deny list. An empty DomainUUID applies it to every domain.
type ACLRule struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UUID       string    `json:"uuid" gorm:"uniqueIndex"`
	Name       string    `json:"name" gorm:"index"`
	Type       string    `json:"type"`                      // "whitelist", "blacklist"
	IPRules    string    `json:"ip_rules" gorm:"type:text"` // JSON array of ACLEntry
	DomainUUID string    `json:"domain_uuid" gorm:"index"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ACLEntry is one element of ACLRule.IPRules.
type ACLEntry struct {
	CIDR        string `json:"cidr"`
	Description string `json:"description"`
}

func (a *ACLRule) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	return nil
}
