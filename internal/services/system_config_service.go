package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/models"
)

// ConnectMasterInput configures this node as a slave of a master.
type ConnectMasterInput struct {
	Host                string `json:"host" binding:"required"`
	Port                int    `json:"port"`
	APIKey              string `json:"api_key" binding:"required"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`
}

// SystemConfigService owns the singleton SystemConfig row.
type SystemConfigService struct {
	db                  *gorm.DB
	dial                cluster.Dialer
	defaultPort         int
	defaultSyncInterval int
	connectRetries      uint
	now                 func() time.Time

	// mu serializes read-modify-write cycles on the singleton row.
	mu sync.Mutex
}

func NewSystemConfigService(db *gorm.DB, dial cluster.Dialer, defaultPort, defaultSyncInterval, connectRetries int) *SystemConfigService {
	if connectRetries < 1 {
		connectRetries = 1
	}
	return &SystemConfigService{
		db:                  db,
		dial:                dial,
		defaultPort:         defaultPort,
		defaultSyncInterval: defaultSyncInterval,
		connectRetries:      uint(connectRetries),
		now:                 time.Now,
	}
}

// Get returns the node configuration, creating a default master row on first use.
func (s *SystemConfigService) Get() (*models.SystemConfig, error) {
	var cfg models.SystemConfig
	err := s.db.Order("id asc").First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cfg = models.SystemConfig{
		NodeMode:            models.NodeModeMaster,
		SyncIntervalSeconds: s.defaultSyncInterval,
	}
	if err := s.db.Create(&cfg).Error; err != nil {
		return nil, fmt.Errorf("create system config: %w", err)
	}
	return &cfg, nil
}

// SetMode switches the node role. Leaving slave mode clears the master
// connection and last sync hash; sync history is kept.
func (s *SystemConfigService) SetMode(mode models.NodeMode) (*models.SystemConfig, error) {
	if !mode.Valid() {
		return nil, cluster.ValidationErrorf("unknown node mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Get()
	if err != nil {
		return nil, err
	}
	if cfg.NodeMode == mode {
		return cfg, nil
	}

	cfg.ClearMasterConnection()
	cfg.NodeMode = mode
	if err := s.db.Save(cfg).Error; err != nil {
		return nil, err
	}
	logger.Log().WithField("mode", mode).Info("node mode changed")
	return cfg, nil
}

// TestConnection pings a master with the given credentials without saving anything.
func (s *SystemConfigService) TestConnection(ctx context.Context, in ConnectMasterInput) (*cluster.PingResponse, error) {
	if err := s.normalize(&in); err != nil {
		return nil, err
	}
	return s.pingMaster(ctx, in)
}

// ConnectMaster verifies the master answers with the given key and then
// switches this node into slave mode pointing at it. Transient failures are
// retried with exponential backoff; a rejected key fails immediately.
func (s *SystemConfigService) ConnectMaster(ctx context.Context, in ConnectMasterInput) (*models.SystemConfig, error) {
	if err := s.normalize(&in); err != nil {
		return nil, err
	}

	if _, err := s.pingMaster(ctx, in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Get()
	if err != nil {
		return nil, err
	}
	now := s.now()
	cfg.ClearMasterConnection()
	cfg.NodeMode = models.NodeModeSlave
	cfg.MasterHost = in.Host
	cfg.MasterPort = in.Port
	cfg.MasterAPIKey = in.APIKey
	cfg.SyncIntervalSeconds = in.SyncIntervalSeconds
	cfg.Connected = true
	cfg.LastConnectedAt = &now
	if err := s.db.Save(cfg).Error; err != nil {
		return nil, err
	}

	logger.Log().WithField("master", cluster.BaseURL(in.Host, in.Port)).Info("connected to master")
	return cfg, nil
}

// DisconnectMaster drops the master connection but stays in slave mode.
func (s *SystemConfigService) DisconnectMaster() (*models.SystemConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Get()
	if err != nil {
		return nil, err
	}
	if !cfg.IsSlave() {
		return nil, fmt.Errorf("%w: node is not a slave", cluster.ErrWrongRole)
	}
	cfg.ClearMasterConnection()
	if err := s.db.Save(cfg).Error; err != nil {
		return nil, err
	}
	return cfg, nil
}

// RecordSyncSuccess advances the last applied hash and marks the master reachable.
func (s *SystemConfigService) RecordSyncSuccess(hash string, at time.Time) error {
	return s.update(map[string]interface{}{
		"last_sync_hash":    hash,
		"last_sync_at":      at,
		"connected":         true,
		"last_connected_at": at,
		"connection_error":  "",
	})
}

// RecordSyncFailure stores the failure reason. The last applied hash is untouched.
func (s *SystemConfigService) RecordSyncFailure(message string) error {
	return s.update(map[string]interface{}{
		"connected":        false,
		"connection_error": message,
	})
}

// MarkConnected records a successful exchange that changed nothing.
func (s *SystemConfigService) MarkConnected(at time.Time) error {
	return s.update(map[string]interface{}{
		"connected":         true,
		"last_connected_at": at,
		"connection_error":  "",
	})
}

func (s *SystemConfigService) update(fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Get()
	if err != nil {
		return err
	}
	if !cfg.IsSlave() {
		return fmt.Errorf("%w: node is not a slave", cluster.ErrWrongRole)
	}
	return s.db.Model(&models.SystemConfig{}).Where("id = ?", cfg.ID).Updates(fields).Error
}

func (s *SystemConfigService) normalize(in *ConnectMasterInput) error {
	in.Host = strings.TrimSpace(in.Host)
	in.APIKey = strings.TrimSpace(in.APIKey)
	if in.Port == 0 {
		in.Port = s.defaultPort
	}
	if in.SyncIntervalSeconds == 0 {
		in.SyncIntervalSeconds = s.defaultSyncInterval
	}
	switch {
	case in.Host == "":
		return cluster.ValidationErrorf("master host is required")
	case in.APIKey == "":
		return cluster.ValidationErrorf("api key is required")
	case in.Port < 1 || in.Port > 65535:
		return cluster.ValidationErrorf("port must be between 1 and 65535")
	case in.SyncIntervalSeconds < MinSyncIntervalSeconds:
		return cluster.ValidationErrorf("sync interval must be at least %d seconds", MinSyncIntervalSeconds)
	}
	return nil
}

func (s *SystemConfigService) pingMaster(ctx context.Context, in ConnectMasterInput) (*cluster.PingResponse, error) {
	client := s.dial(in.Host, in.Port, in.APIKey)

	op := func() (*cluster.PingResponse, error) {
		resp, err := client.Ping(ctx)
		if err != nil {
			if !cluster.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.Mode != string(models.NodeModeMaster) {
			return nil, backoff.Permanent(cluster.ValidationErrorf("remote node is in %s mode, not master", resp.Mode))
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.connectRetries))
}
