package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/models"
)

// MinSyncIntervalSeconds is the shortest accepted per-slave sync interval.
const MinSyncIntervalSeconds = 10

// RegisterSlaveInput describes a new slave. Zero Port and SyncIntervalSeconds
// take the registry defaults; a nil SyncEnabled means enabled.
type RegisterSlaveInput struct {
	Name                string `json:"name" binding:"required"`
	Host                string `json:"host" binding:"required"`
	Port                int    `json:"port"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`
	SyncEnabled         *bool  `json:"sync_enabled"`
}

// UpdateSlaveInput changes only the fields that are set.
type UpdateSlaveInput struct {
	Name                *string `json:"name"`
	Host                *string `json:"host"`
	Port                *int    `json:"port"`
	SyncIntervalSeconds *int    `json:"sync_interval_seconds"`
	SyncEnabled         *bool   `json:"sync_enabled"`
}

// SlaveRegistry manages SlaveNode rows on the master.
type SlaveRegistry struct {
	db                  *gorm.DB
	defaultPort         int
	defaultSyncInterval int
}

func NewSlaveRegistry(db *gorm.DB, defaultPort, defaultSyncInterval int) *SlaveRegistry {
	return &SlaveRegistry{db: db, defaultPort: defaultPort, defaultSyncInterval: defaultSyncInterval}
}

// Register creates a slave with a fresh API key. New slaves start offline.
func (r *SlaveRegistry) Register(in RegisterSlaveInput) (*models.SlaveNode, error) {
	node := &models.SlaveNode{
		Name:                strings.TrimSpace(in.Name),
		Host:                strings.TrimSpace(in.Host),
		Port:                in.Port,
		SyncIntervalSeconds: in.SyncIntervalSeconds,
		SyncEnabled:         true,
		Status:              models.SlaveStatusOffline,
	}
	if node.Port == 0 {
		node.Port = r.defaultPort
	}
	if node.SyncIntervalSeconds == 0 {
		node.SyncIntervalSeconds = r.defaultSyncInterval
	}
	if in.SyncEnabled != nil {
		node.SyncEnabled = *in.SyncEnabled
	}
	if err := validateSlave(node); err != nil {
		return nil, err
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	node.APIKey = key

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueName(tx, node.Name, 0); err != nil {
			return err
		}
		return tx.Create(node).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Log().WithField("node_id", node.ID).WithField("node", node.Name).Info("slave registered")
	return node, nil
}

// Update changes the mutable attributes of a slave. Status, LastSeen and
// APIKey are managed by the sync engine and RegenerateAPIKey.
func (r *SlaveRegistry) Update(id uint, in UpdateSlaveInput) (*models.SlaveNode, error) {
	var node models.SlaveNode
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&node, id).Error; err != nil {
			return notFound(err, "slave %d", id)
		}
		if in.Name != nil {
			node.Name = strings.TrimSpace(*in.Name)
		}
		if in.Host != nil {
			node.Host = strings.TrimSpace(*in.Host)
		}
		if in.Port != nil {
			node.Port = *in.Port
		}
		if in.SyncIntervalSeconds != nil {
			node.SyncIntervalSeconds = *in.SyncIntervalSeconds
		}
		if in.SyncEnabled != nil {
			node.SyncEnabled = *in.SyncEnabled
		}
		if err := validateSlave(&node); err != nil {
			return err
		}
		if err := ensureUniqueName(tx, node.Name, node.ID); err != nil {
			return err
		}
		return tx.Model(&node).Select("name", "host", "port", "sync_interval_seconds", "sync_enabled").Updates(&node).Error
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Delete removes a slave and its sync history.
func (r *SlaveRegistry) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.SlaveNode{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: slave %d", cluster.ErrNotFound, id)
		}
		return tx.Where("node_id = ?", id).Delete(&models.SyncLog{}).Error
	})
}

// RegenerateAPIKey replaces the slave's API key. The old key stops working
// immediately; the slave must be reconfigured with the returned one.
func (r *SlaveRegistry) RegenerateAPIKey(id uint) (*models.SlaveNode, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	res := r.db.Model(&models.SlaveNode{}).Where("id = ?", id).Update("api_key", key)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: slave %d", cluster.ErrNotFound, id)
	}
	logger.Log().WithField("node_id", id).Info("slave api key regenerated")
	return r.Get(id)
}

func (r *SlaveRegistry) List() ([]models.SlaveNode, error) {
	var nodes []models.SlaveNode
	err := r.db.Order("name asc").Find(&nodes).Error
	return nodes, err
}

func (r *SlaveRegistry) ListSyncEnabled() ([]models.SlaveNode, error) {
	var nodes []models.SlaveNode
	err := r.db.Where("sync_enabled = ?", true).Order("id asc").Find(&nodes).Error
	return nodes, err
}

func (r *SlaveRegistry) Get(id uint) (*models.SlaveNode, error) {
	var node models.SlaveNode
	if err := r.db.First(&node, id).Error; err != nil {
		return nil, notFound(err, "slave %d", id)
	}
	return &node, nil
}

// GetByAPIKey authenticates a slave by its key.
func (r *SlaveRegistry) GetByAPIKey(apiKey string) (*models.SlaveNode, error) {
	if apiKey == "" {
		return nil, cluster.ErrUnauthorized
	}
	var node models.SlaveNode
	if err := r.db.Where("api_key = ?", apiKey).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cluster.ErrUnauthorized
		}
		return nil, err
	}
	return &node, nil
}

// MarkSeen records a successful contact with the slave.
func (r *SlaveRegistry) MarkSeen(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.SlaveNode{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_seen": at.UTC(), "status": models.SlaveStatusOnline}).Error
}

// MarkOffline flips the given slaves to offline in one statement. A slave
// seen at or after seenBefore stays online.
func (r *SlaveRegistry) MarkOffline(ctx context.Context, ids []uint, seenBefore time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.SlaveNode{}).
		Where("id IN ? AND status = ? AND (last_seen IS NULL OR last_seen < ?)", ids, models.SlaveStatusOnline, seenBefore.UTC()).
		Update("status", models.SlaveStatusOffline).Error
}

// ListStaleOnline returns online slaves not seen since cutoff.
func (r *SlaveRegistry) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]models.SlaveNode, error) {
	var nodes []models.SlaveNode
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_seen IS NULL OR last_seen < ?)", models.SlaveStatusOnline, cutoff.UTC()).
		Find(&nodes).Error
	return nodes, err
}

func (r *SlaveRegistry) CountOnline(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.SlaveNode{}).Where("status = ?", models.SlaveStatusOnline).Count(&n).Error
	return n, err
}

func validateSlave(n *models.SlaveNode) error {
	switch {
	case n.Name == "":
		return cluster.ValidationErrorf("name is required")
	case n.Host == "":
		return cluster.ValidationErrorf("host is required")
	case strings.ContainsAny(n.Host, " /\\") && !strings.Contains(n.Host, "://"):
		return cluster.ValidationErrorf("host %q is not a hostname or address", n.Host)
	case n.Port < 1 || n.Port > 65535:
		return cluster.ValidationErrorf("port must be between 1 and 65535")
	case n.SyncIntervalSeconds < MinSyncIntervalSeconds:
		return cluster.ValidationErrorf("sync interval must be at least %d seconds", MinSyncIntervalSeconds)
	}
	if ip := net.ParseIP(n.Host); ip != nil && ip.IsUnspecified() {
		return cluster.ValidationErrorf("host %q is not routable", n.Host)
	}
	return nil
}

func ensureUniqueName(tx *gorm.DB, name string, exceptID uint) error {
	var count int64
	if err := tx.Model(&models.SlaveNode{}).
		Where("LOWER(name) = LOWER(?) AND id <> ?", name, exceptID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return cluster.ValidationErrorf("a slave named %q already exists", name)
	}
	return nil
}

// generateAPIKey returns 32 random bytes hex encoded.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", cluster.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
