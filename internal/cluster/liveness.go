package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/metrics"
	"github.com/wafportal/backend/internal/models"
)

// LivenessMonitor marks slaves offline once they have not been heard from
// for staleAfter. It runs once on Start and then every interval.
type LivenessMonitor struct {
	registry   SlaveRegistry
	clock      clock.WithTicker
	interval   time.Duration
	staleAfter time.Duration
	notifier   Notifier

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewLivenessMonitor(registry SlaveRegistry, clk clock.WithTicker, interval, staleAfter time.Duration, notifier Notifier) *LivenessMonitor {
	return &LivenessMonitor{
		registry:   registry,
		clock:      clk,
		interval:   interval,
		staleAfter: staleAfter,
		notifier:   notifier,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (m *LivenessMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("liveness monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	if _, err := m.Tick(ctx); err != nil {
		logger.Log().WithError(err).Warn("initial liveness check failed")
	}

	ticker := m.clock.NewTicker(m.interval)
	go m.run(ctx, ticker)
	return nil
}

// Stop prevents further ticks and waits for a running tick to finish.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *LivenessMonitor) run(ctx context.Context, ticker clock.Ticker) {
	defer close(m.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C():
			if _, err := m.Tick(ctx); err != nil {
				logger.Log().WithError(err).Warn("liveness check failed")
			}
		}
	}
}

// Tick transitions every online slave not seen within staleAfter to
// offline and returns the slaves it changed. A started tick runs to
// completion even if ctx is cancelled.
func (m *LivenessMonitor) Tick(ctx context.Context) ([]models.SlaveNode, error) {
	ctx = context.WithoutCancel(ctx)
	cutoff := m.clock.Now().Add(-m.staleAfter)

	stale, err := m.registry.ListStaleOnline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale slaves: %w", err)
	}

	if len(stale) > 0 {
		ids := make([]uint, 0, len(stale))
		for _, n := range stale {
			ids = append(ids, n.ID)
		}
		if err := m.registry.MarkOffline(ctx, ids, cutoff); err != nil {
			return nil, fmt.Errorf("mark slaves offline: %w", err)
		}
		for _, n := range stale {
			logger.Log().WithField("node_id", n.ID).WithField("node", n.Name).Warn("slave went offline")
			m.notifyOffline(ctx, n)
		}
	}

	if online, err := m.registry.CountOnline(ctx); err == nil {
		metrics.SetSlavesOnline(online)
	}
	return stale, nil
}

func (m *LivenessMonitor) notifyOffline(ctx context.Context, n models.SlaveNode) {
	if m.notifier == nil {
		return
	}
	title := "Slave offline"
	msg := fmt.Sprintf("Slave %s has not checked in for more than %s", n.Name, m.staleAfter)
	if _, err := m.notifier.Create(models.NotificationTypeWarning, title, msg); err != nil {
		logger.Log().WithError(err).Warn("failed to store notification")
	}
	m.notifier.SendExternal(ctx, "cluster", title, msg, map[string]interface{}{"Node": n.Name, "NodeID": n.ID})
}
