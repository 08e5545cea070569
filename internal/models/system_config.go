package models

import "time"

// NodeMode is the cluster role of this portal instance.
type NodeMode string

const (
	NodeModeMaster NodeMode = "master"
	NodeModeSlave  NodeMode = "slave"
)

// Valid reports whether m is a known node mode.
func (m NodeMode) Valid() bool {
	return m == NodeModeMaster || m == NodeModeSlave
}

// SystemConfig is the singleton row describing this node's cluster role.
// The master* fields are only meaningful when NodeMode is slave.
type SystemConfig struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	NodeMode            NodeMode   `json:"node_mode"`
	MasterHost          string     `json:"master_host,omitempty"`
	MasterPort          int        `json:"master_port,omitempty"`
	MasterAPIKey        string     `json:"-"`
	SyncIntervalSeconds int        `json:"sync_interval_seconds"`
	LastSyncHash        string     `json:"last_sync_hash,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	Connected           bool       `json:"connected"`
	LastConnectedAt     *time.Time `json:"last_connected_at,omitempty"`
	ConnectionError     string     `json:"connection_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsSlave reports whether this node replicates from a master.
func (c *SystemConfig) IsSlave() bool {
	return c.NodeMode == NodeModeSlave
}

// HasMaster reports whether a master connection has been configured.
func (c *SystemConfig) HasMaster() bool {
	return c.IsSlave() && c.MasterHost != "" && c.MasterAPIKey != ""
}

// ClearMasterConnection drops every field that belongs to slave mode.
func (c *SystemConfig) ClearMasterConnection() {
	c.MasterHost = ""
	c.MasterPort = 0
	c.MasterAPIKey = ""
	c.LastSyncHash = ""
	c.LastSyncAt = nil
	c.Connected = false
	c.LastConnectedAt = nil
	c.ConnectionError = ""
}
