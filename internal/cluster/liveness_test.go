package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/wafportal/backend/internal/models"
)

func seenAt(t time.Time) *time.Time { return &t }

func TestLivenessMonitor_Tick(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(now)
	registry := newFakeRegistry(
		models.SlaveNode{ID: 1, Name: "stale", Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-6 * time.Minute))},
		models.SlaveNode{ID: 2, Name: "fresh", Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-4 * time.Minute))},
		models.SlaveNode{ID: 3, Name: "offline", Status: models.SlaveStatusOffline, LastSeen: seenAt(now.Add(-time.Hour))},
		models.SlaveNode{ID: 4, Name: "never", Status: models.SlaveStatusOnline},
	)
	notifier := &fakeNotifier{}
	m := NewLivenessMonitor(registry, fc, time.Minute, 5*time.Minute, notifier)

	changed, err := m.Tick(context.Background())
	require.NoError(t, err)

	ids := make([]uint, 0, len(changed))
	for _, n := range changed {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []uint{1, 4}, ids)
	assert.Equal(t, models.SlaveStatusOffline, registry.status(1))
	assert.Equal(t, models.SlaveStatusOnline, registry.status(2))
	assert.Equal(t, models.SlaveStatusOffline, registry.status(3))
	assert.Equal(t, models.SlaveStatusOffline, registry.status(4))
	assert.Equal(t, 2, notifier.count())

	changed, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed, "offline slaves are not reported twice")
}

func TestLivenessMonitor_ExactCutoffStaysOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(now)
	registry := newFakeRegistry(
		models.SlaveNode{ID: 1, Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-5 * time.Minute))},
	)
	m := NewLivenessMonitor(registry, fc, time.Minute, 5*time.Minute, nil)

	_, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SlaveStatusOnline, registry.status(1))
}

func TestLivenessMonitor_StartTicksImmediatelyThenPeriodically(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(now)
	registry := newFakeRegistry(
		models.SlaveNode{ID: 1, Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-10 * time.Minute))},
		models.SlaveNode{ID: 2, Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-4 * time.Minute))},
	)
	m := NewLivenessMonitor(registry, fc, time.Minute, 5*time.Minute, nil)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, models.SlaveStatusOffline, registry.status(1), "first tick runs before Start returns")
	assert.Equal(t, models.SlaveStatusOnline, registry.status(2))

	fc.Step(2 * time.Minute)
	assert.Eventually(t, func() bool {
		return registry.status(2) == models.SlaveStatusOffline
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, m.Start(context.Background()))
}

func TestLivenessMonitor_StopEndsTicks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := testingclock.NewFakeClock(now)
	registry := newFakeRegistry()
	m := NewLivenessMonitor(registry, fc, time.Minute, 5*time.Minute, nil)

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()

	registry.nodes[1] = &models.SlaveNode{ID: 1, Status: models.SlaveStatusOnline, LastSeen: seenAt(now.Add(-10 * time.Minute))}
	fc.Step(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.SlaveStatusOnline, registry.status(1))
}
