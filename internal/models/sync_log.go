package models

import "time"

type SyncType string

const (
	SyncTypeFull        SyncType = "full_sync"
	SyncTypeIncremental SyncType = "incremental_sync"
	SyncTypeHealthCheck SyncType = "health_check"
)

type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusPartial SyncStatus = "partial"
)

// Terminal reports whether the status ends a sync attempt.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusFailed || s == SyncStatusPartial
}

// MasterNodeID is the NodeID a slave uses for attempts against its master,
// which has no SlaveNode row of its own.
const MasterNodeID uint = 0

// SyncLog is one synchronization attempt. Rows are appended in running state
// and receive exactly one terminal update.
type SyncLog struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	NodeID       uint       `json:"node_id" gorm:"index"`
	Type         SyncType   `json:"type"`
	Status       SyncStatus `json:"status" gorm:"index"`
	ConfigHash   string     `json:"config_hash,omitempty"`
	ChangesCount int        `json:"changes_count"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`
	StartedAt    time.Time  `json:"started_at" gorm:"index"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
}
