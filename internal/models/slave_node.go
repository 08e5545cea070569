package models

import "time"

// SlaveStatus is the master's view of a slave's reachability.
type SlaveStatus string

const (
	SlaveStatusOnline  SlaveStatus = "online"
	SlaveStatusOffline SlaveStatus = "offline"
)

// SlaveNode is a replica registered on the master. APIKey is the shared
// secret the slave presents when pulling and the master presents when pushing.
type SlaveNode struct {
	ID                  uint        `json:"id" gorm:"primaryKey"`
	Name                string      `json:"name" gorm:"uniqueIndex"`
	Host                string      `json:"host"`
	Port                int         `json:"port"`
	APIKey              string      `json:"api_key" gorm:"uniqueIndex"`
	SyncIntervalSeconds int         `json:"sync_interval_seconds"`
	SyncEnabled         bool        `json:"sync_enabled"`
	Status              SlaveStatus `json:"status" gorm:"index"`
	LastSeen            *time.Time  `json:"last_seen,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// IsStale reports whether the node has not been heard from since cutoff.
// A node that was never seen is stale.
func (n *SlaveNode) IsStale(cutoff time.Time) bool {
	return n.LastSeen == nil || n.LastSeen.Before(cutoff)
}
