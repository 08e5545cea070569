package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SyncHistoryService is the append-only log of sync attempts.
type SyncHistoryService struct {
	db *gorm.DB
}

func NewSyncHistoryService(db *gorm.DB) *SyncHistoryService {
	return &SyncHistoryService{db: db}
}

// Record appends a running entry and returns its id.
func (s *SyncHistoryService) Record(nodeID uint, syncType models.SyncType, startedAt time.Time) (uint, error) {
	entry := &models.SyncLog{
		NodeID:    nodeID,
		Type:      syncType,
		Status:    models.SyncStatusRunning,
		StartedAt: startedAt.UTC(),
	}
	if err := s.db.Create(entry).Error; err != nil {
		return 0, fmt.Errorf("record sync log: %w", err)
	}
	return entry.ID, nil
}

// Complete moves a running entry to its terminal status. An entry can be
// completed only once.
func (s *SyncHistoryService) Complete(id uint, outcome cluster.Outcome) error {
	if !outcome.Status.Terminal() {
		return cluster.ValidationErrorf("status %q is not terminal", outcome.Status)
	}

	var entry models.SyncLog
	if err := s.db.First(&entry, id).Error; err != nil {
		return notFound(err, "sync log %d", id)
	}
	if entry.Status.Terminal() {
		return cluster.ValidationErrorf("sync log %d already completed as %s", id, entry.Status)
	}

	completed := outcome.CompletedAt.UTC()
	if outcome.CompletedAt.IsZero() {
		completed = time.Now().UTC()
	}
	if completed.Before(entry.StartedAt) {
		completed = entry.StartedAt
	}
	duration := completed.Sub(entry.StartedAt).Milliseconds()

	updates := map[string]interface{}{
		"status":        outcome.Status,
		"config_hash":   outcome.ConfigHash,
		"changes_count": outcome.ChangesCount,
		"completed_at":  completed,
		"duration_ms":   duration,
	}
	if outcome.Err != nil {
		updates["error_message"] = outcome.Err.Error()
	}

	// The status guard makes concurrent completions race-free.
	res := s.db.Model(&models.SyncLog{}).
		Where("id = ? AND status = ?", id, models.SyncStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return cluster.ValidationErrorf("sync log %d already completed", id)
	}
	return nil
}

// FailInterrupted completes every entry still running as failed. It is meant
// for startup, when no attempt of this process can be in flight.
func (s *SyncHistoryService) FailInterrupted(at time.Time) (int64, error) {
	res := s.db.Model(&models.SyncLog{}).
		Where("status = ?", models.SyncStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusFailed,
			"error_message": "interrupted before completion",
			"completed_at":  at.UTC(),
		})
	return res.RowsAffected, res.Error
}

// ListByNode returns a node's attempts, newest first.
func (s *SyncHistoryService) ListByNode(nodeID uint, limit, offset int) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := s.db.Where("node_id = ?", nodeID).
		Order("started_at desc, id desc").
		Limit(clampLimit(limit)).Offset(max(offset, 0)).
		Find(&logs).Error
	return logs, err
}

// ListRecent returns attempts across all nodes, newest first.
func (s *SyncHistoryService) ListRecent(limit, offset int) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := s.db.Order("started_at desc, id desc").
		Limit(clampLimit(limit)).Offset(max(offset, 0)).
		Find(&logs).Error
	return logs, err
}

// LatestByNode returns the newest entry for a node, or nil when there is none.
func (s *SyncHistoryService) LatestByNode(nodeID uint) (*models.SyncLog, error) {
	var entry models.SyncLog
	err := s.db.Where("node_id = ?", nodeID).Order("started_at desc, id desc").Limit(1).Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}
