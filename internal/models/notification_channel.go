package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationChannel is an external delivery target (shoutrrr URL or a
// custom JSON webhook). The ID doubles as the replication key.
type NotificationChannel struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`                    // discord, slack, gotify, telegram, generic, webhook
	URL      string `json:"url"`                     // shoutrrr URL or webhook URL
	Config   string `json:"config" gorm:"type:text"` // JSON payload template for custom webhooks
	Template string `json:"template"`                // minimal|detailed|custom
	Enabled  bool   `json:"enabled"`

	NotifyCluster bool `json:"notify_cluster"`
	NotifyAlerts  bool `json:"notify_alerts"`
	NotifyCerts   bool `json:"notify_certs"`
	NotifyDomains bool `json:"notify_domains"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationChannel) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if strings.TrimSpace(n.Template) == "" {
		if strings.TrimSpace(n.Config) != "" {
			n.Template = "custom"
		} else {
			n.Template = "minimal"
		}
	}
	return
}

// Wants reports whether the channel subscribes to the given event type.
func (n *NotificationChannel) Wants(eventType string) bool {
	switch eventType {
	case "cluster":
		return n.NotifyCluster
	case "alert":
		return n.NotifyAlerts
	case "cert":
		return n.NotifyCerts
	case "domain":
		return n.NotifyDomains
	default:
		return true
	}
}
