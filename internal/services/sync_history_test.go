package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
)

func TestSyncHistory_RecordAndComplete(t *testing.T) {
	db := setupTestDB(t)
	history := NewSyncHistoryService(db)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := history.Record(3, models.SyncTypeFull, start)
	require.NoError(t, err)

	latest, err := history.LatestByNode(3)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.SyncStatusRunning, latest.Status)
	assert.Nil(t, latest.CompletedAt)

	require.NoError(t, history.Complete(id, cluster.Outcome{
		Status:       models.SyncStatusSuccess,
		ConfigHash:   "abc123",
		ChangesCount: 4,
		CompletedAt:  start.Add(1500 * time.Millisecond),
	}))

	latest, err = history.LatestByNode(3)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, latest.Status)
	assert.Equal(t, "abc123", latest.ConfigHash)
	assert.Equal(t, 4, latest.ChangesCount)
	require.NotNil(t, latest.DurationMs)
	assert.Equal(t, int64(1500), *latest.DurationMs)
	require.NotNil(t, latest.CompletedAt)
	assert.False(t, latest.CompletedAt.Before(latest.StartedAt))
}

func TestSyncHistory_CompleteOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	history := NewSyncHistoryService(db)

	id, err := history.Record(1, models.SyncTypeHealthCheck, time.Now())
	require.NoError(t, err)

	err = history.Complete(id, cluster.Outcome{Status: models.SyncStatusRunning})
	assert.ErrorIs(t, err, cluster.ErrValidation)

	require.NoError(t, history.Complete(id, cluster.Outcome{Status: models.SyncStatusFailed, Err: errors.New("connection refused")}))
	err = history.Complete(id, cluster.Outcome{Status: models.SyncStatusSuccess})
	assert.ErrorIs(t, err, cluster.ErrValidation)

	latest, err := history.LatestByNode(1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, latest.Status)
	assert.Equal(t, "connection refused", latest.ErrorMessage)

	err = history.Complete(999, cluster.Outcome{Status: models.SyncStatusSuccess})
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestSyncHistory_CompletedBeforeStartIsClamped(t *testing.T) {
	db := setupTestDB(t)
	history := NewSyncHistoryService(db)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := history.Record(1, models.SyncTypeFull, start)
	require.NoError(t, err)
	require.NoError(t, history.Complete(id, cluster.Outcome{Status: models.SyncStatusSuccess, CompletedAt: start.Add(-time.Second)}))

	latest, err := history.LatestByNode(1)
	require.NoError(t, err)
	require.NotNil(t, latest.DurationMs)
	assert.Zero(t, *latest.DurationMs)
	assert.True(t, latest.CompletedAt.Equal(start))
}

func TestSyncHistory_FailInterrupted(t *testing.T) {
	db := setupTestDB(t)
	history := NewSyncHistoryService(db)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	done, err := history.Record(1, models.SyncTypeFull, start)
	require.NoError(t, err)
	require.NoError(t, history.Complete(done, cluster.Outcome{Status: models.SyncStatusSuccess, CompletedAt: start.Add(time.Second)}))
	stuck, err := history.Record(2, models.SyncTypeHealthCheck, start)
	require.NoError(t, err)

	n, err := history.FailInterrupted(start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got models.SyncLog
	require.NoError(t, db.First(&got, stuck).Error)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	assert.Equal(t, "interrupted before completion", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	var completed models.SyncLog
	require.NoError(t, db.First(&completed, done).Error)
	assert.Equal(t, models.SyncStatusSuccess, completed.Status)

	n, err = history.FailInterrupted(start.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncHistory_Listing(t *testing.T) {
	db := setupTestDB(t)
	history := NewSyncHistoryService(db)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := history.Record(1, models.SyncTypeFull, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := history.Record(2, models.SyncTypeHealthCheck, base.Add(10*time.Minute))
	require.NoError(t, err)

	logs, err := history.ListByNode(1, 2, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].StartedAt.Equal(base.Add(4*time.Minute)), "newest first")

	logs, err = history.ListByNode(1, 2, 4)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	recent, err := history.ListRecent(0, 0)
	require.NoError(t, err)
	require.Len(t, recent, 6)
	assert.Equal(t, uint(2), recent[0].NodeID)

	none, err := history.LatestByNode(42)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultHistoryLimit, clampLimit(0))
	assert.Equal(t, defaultHistoryLimit, clampLimit(-3))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, maxHistoryLimit, clampLimit(10000))
}
