package cluster

import (
	"context"
	"time"

	"github.com/wafportal/backend/internal/models"
)

// ConfigRepository reads and replaces the replicable configuration.
type ConfigRepository interface {
	// BuildSnapshot returns a sealed snapshot read in a single transaction.
	BuildSnapshot(ctx context.Context) (*Snapshot, error)
	// Apply replaces local configuration with the snapshot atomically and
	// returns the number of created, updated and deleted entities.
	Apply(ctx context.Context, snap *Snapshot) (int, error)
}

// Reloader regenerates the proxy configuration and reloads it.
type Reloader interface {
	Apply(ctx context.Context) (bool, string)
}

// SlaveRegistry is the master's record of its replicas.
type SlaveRegistry interface {
	Get(id uint) (*models.SlaveNode, error)
	GetByAPIKey(apiKey string) (*models.SlaveNode, error)
	ListSyncEnabled() ([]models.SlaveNode, error)
	MarkSeen(ctx context.Context, id uint, at time.Time) error
	MarkOffline(ctx context.Context, ids []uint, seenBefore time.Time) error
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]models.SlaveNode, error)
	CountOnline(ctx context.Context) (int64, error)
}

// MasterConnection is a slave's persisted link to its master.
type MasterConnection interface {
	Get() (*models.SystemConfig, error)
	RecordSyncSuccess(hash string, at time.Time) error
	RecordSyncFailure(message string) error
	MarkConnected(at time.Time) error
}

// Outcome is the terminal result of a sync attempt.
type Outcome struct {
	Status       models.SyncStatus
	ConfigHash   string
	ChangesCount int
	Err          error
	CompletedAt  time.Time
}

// SyncHistory is the append-only log of sync attempts.
type SyncHistory interface {
	Record(nodeID uint, syncType models.SyncType, startedAt time.Time) (uint, error)
	Complete(id uint, outcome Outcome) error
}

// Notifier delivers operator-facing events.
type Notifier interface {
	Create(nType models.NotificationType, title, message string) (*models.Notification, error)
	SendExternal(ctx context.Context, eventType, title, message string, data map[string]interface{})
}

// NodeRole is either MasterRole or SlaveRole. Operations that only make
// sense for one role type-switch on it and fail with ErrWrongRole otherwise.
type NodeRole interface {
	Mode() models.NodeMode
	nodeRole()
}

// MasterRole owns the registry of slaves and serves snapshots.
type MasterRole struct {
	Registry SlaveRegistry
}

// SlaveRole pulls from, and accepts pushes from, a single master.
type SlaveRole struct {
	Connection MasterConnection
}

func (MasterRole) Mode() models.NodeMode { return models.NodeModeMaster }
func (SlaveRole) Mode() models.NodeMode  { return models.NodeModeSlave }
func (MasterRole) nodeRole()             {}
func (SlaveRole) nodeRole()              {}

// RoleFor selects the role matching the persisted system configuration.
func RoleFor(cfg *models.SystemConfig, registry SlaveRegistry, conn MasterConnection) NodeRole {
	if cfg != nil && cfg.IsSlave() {
		return SlaveRole{Connection: conn}
	}
	return MasterRole{Registry: registry}
}
