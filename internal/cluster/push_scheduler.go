package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/wafportal/backend/internal/logger"
)

// PushScheduler runs one cron entry per sync-enabled slave at the slave's
// own interval. Each run is a health check, or a push when pushOnSchedule
// is set. Runs of the same entry never overlap.
type PushScheduler struct {
	orch           *Orchestrator
	registry       SlaveRegistry
	pushOnSchedule bool

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[uint]cron.EntryID
	ctx     context.Context
}

func NewPushScheduler(orch *Orchestrator, registry SlaveRegistry, pushOnSchedule bool) *PushScheduler {
	cronLogger := cron.PrintfLogger(logger.Log())
	return &PushScheduler{
		orch:           orch,
		registry:       registry,
		pushOnSchedule: pushOnSchedule,
		cron:           cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		entries:        make(map[uint]cron.EntryID),
	}
}

// Start schedules every sync-enabled slave and starts the cron runner.
func (s *PushScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *PushScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload rebuilds the schedule from the registry. Call it after slaves are
// added, removed or changed.
func (s *PushScheduler) Reload() error {
	nodes, err := s.registry.ListSyncEnabled()
	if err != nil {
		return fmt.Errorf("list slaves: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, node := range nodes {
		nodeID := node.ID
		spec := fmt.Sprintf("@every %ds", node.SyncIntervalSeconds)
		entry, err := s.cron.AddFunc(spec, func() { s.runJob(nodeID) })
		if err != nil {
			return fmt.Errorf("schedule slave %d: %w", nodeID, err)
		}
		s.entries[nodeID] = entry
	}
	logger.Log().WithField("slaves", len(s.entries)).Debug("push schedule reloaded")
	return nil
}

// Scheduled returns the number of slaves currently scheduled.
func (s *PushScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *PushScheduler) runJob(nodeID uint) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	if s.pushOnSchedule {
		_, err = s.orch.PushOne(ctx, nodeID)
	} else {
		_, err = s.orch.HealthCheck(ctx, nodeID)
	}
	if err != nil && !errors.Is(err, ErrSyncInProgress) {
		logger.Log().WithError(err).WithField("node_id", nodeID).Debug("scheduled slave job failed")
	}
}
