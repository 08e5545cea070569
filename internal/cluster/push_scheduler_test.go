package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafportal/backend/internal/models"
)

func TestPushScheduler_ReloadTracksRegistry(t *testing.T) {
	registry := newFakeRegistry(threeSlaves()...)
	orch := NewOrchestrator(newFakeRepo(sampleSnapshot()), &fakeReloader{ok: true}, newFakeHistory(),
		dialMap(nil), MasterRole{Registry: registry})
	s := NewPushScheduler(orch, registry, false)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, 3, s.Scheduled())

	registry.nodes[2].SyncEnabled = false
	delete(registry.nodes, 3)
	require.NoError(t, s.Reload())
	assert.Equal(t, 1, s.Scheduled())
}

func TestPushScheduler_RunJob(t *testing.T) {
	registry := newFakeRegistry(threeSlaves()[:1]...)
	history := newFakeHistory()
	dial := dialMap(map[string]*fakeTransport{"edge-1": acceptingSlave()})
	orch := NewOrchestrator(newFakeRepo(sampleSnapshot()), &fakeReloader{ok: true}, history, dial, MasterRole{Registry: registry})

	NewPushScheduler(orch, registry, false).runJob(1)
	NewPushScheduler(orch, registry, true).runJob(1)

	logs := history.byNode(1)
	require.Len(t, logs, 2)
	assert.Equal(t, models.SyncTypeHealthCheck, logs[0].Type)
	assert.Equal(t, models.SyncTypeFull, logs[1].Type)
}
