package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationType is the severity shown on the dashboard.
type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// Valid reports whether t is a known severity.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeInfo, NotificationTypeSuccess, NotificationTypeWarning, NotificationTypeError:
		return true
	}
	return false
}

// Notification is an in-app message shown on the local node's dashboard,
// such as a failed push or a slave going offline. It is node-local state
// and never part of a configuration snapshot.
type Notification struct {
	ID        string           `json:"id" gorm:"primaryKey"`
	Type      NotificationType `json:"type" gorm:"index"`
	Title     string           `json:"title"`
	Message   string           `json:"message" gorm:"type:text"`
	Read      bool             `json:"read" gorm:"index"`
	CreatedAt time.Time        `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = NotificationTypeInfo
	}
	return nil
}
