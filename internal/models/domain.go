package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModSecurity engine modes for a protected domain.
const (
	ModSecModeOn            = "on"
	ModSecModeDetectionOnly = "detection_only"
	ModSecModeOff           = "off"
)

// Domain is a protected site: an nginx server block that proxies to one
// upstream. References to certificates and ACLs use UUIDs so they survive
// replication between nodes with different local primary keys.
type Domain struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	UUID            string    `json:"uuid" gorm:"uniqueIndex"`
	Name            string    `json:"name" gorm:"uniqueIndex"`
	UpstreamScheme  string    `json:"upstream_scheme"`
	UpstreamHost    string    `json:"upstream_host"`
	UpstreamPort    int       `json:"upstream_port"`
	CertificateUUID string    `json:"certificate_uuid"`
	ModSecMode      string    `json:"modsec_mode"`
	RuleSetUUID     string    `json:"rule_set_uuid"`
	SSLForced       bool      `json:"ssl_forced"`
	HTTP2           bool      `json:"http2"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (d *Domain) BeforeCreate(tx *gorm.DB) error {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	return nil
}
