package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModSecRuleSet combines OWASP CRS toggles with operator-authored rules.
type ModSecRuleSet struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	UUID             string    `json:"uuid" gorm:"uniqueIndex"`
	Name             string    `json:"name" gorm:"index"`
	CRSEnabled       bool      `json:"crs_enabled"`
	ParanoiaLevel    int       `json:"paranoia_level"`
	AnomalyThreshold int       `json:"anomaly_threshold"`
	DisabledRuleIDs  string    `json:"disabled_rule_ids"` // comma-separated CRS rule ids
	CustomRules      string    `json:"custom_rules" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (r *ModSecRuleSet) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	return nil
}
