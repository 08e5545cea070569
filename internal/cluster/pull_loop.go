package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/wafportal/backend/internal/logger"
)

// LoopStatus is a snapshot of a background loop's progress.
type LoopStatus struct {
	Running   bool       `json:"running"`
	Interval  string     `json:"interval"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
}

// PullLoop periodically pulls from the master while the node is a slave.
// Manual triggers coalesce: at most one extra pull is pending at any time.
type PullLoop struct {
	orch     *Orchestrator
	clock    clock.WithTicker
	interval time.Duration
	trigger  chan struct{}

	mu       sync.RWMutex
	running  bool
	lastRun  *time.Time
	nextRun  *time.Time
	lastErr  string
	runs     int64
	failures int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPullLoop(orch *Orchestrator, clk clock.WithTicker, interval time.Duration) *PullLoop {
	return &PullLoop{
		orch:     orch,
		clock:    clk,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start pulls once and then on every interval until Stop or ctx is done.
func (l *PullLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("pull loop already running")
	}
	l.running = true
	l.mu.Unlock()

	ticker := l.clock.NewTicker(l.interval)
	logger.Log().WithField("interval", l.interval.String()).Info("pull loop starting")

	go l.run(ctx, ticker)
	return nil
}

// Stop ends the loop and waits for an in-flight pull to finish.
func (l *PullLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopCh)
	<-l.doneCh
	logger.Log().Info("pull loop stopped")
}

// Trigger requests an immediate pull. It reports false when a pull is
// already pending, in which case the request is folded into it.
func (l *PullLoop) Trigger() bool {
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *PullLoop) Status() LoopStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LoopStatus{
		Running:   l.running,
		Interval:  l.interval.String(),
		LastRun:   l.lastRun,
		NextRun:   l.nextRun,
		LastError: l.lastErr,
		Runs:      l.runs,
		Failures:  l.failures,
	}
}

func (l *PullLoop) run(ctx context.Context, ticker clock.Ticker) {
	defer close(l.doneCh)
	defer ticker.Stop()

	l.pull(ctx)
	for {
		next := l.clock.Now().Add(l.interval)
		l.mu.Lock()
		l.nextRun = &next
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C():
			l.pull(ctx)
		case <-l.trigger:
			l.pull(ctx)
		}
	}
}

func (l *PullLoop) pull(ctx context.Context) {
	_, err := l.orch.Pull(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		logger.Log().Debug("pull skipped, another sync is in progress")
		return
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRun = &now
	l.runs++
	if err != nil {
		l.failures++
		l.lastErr = err.Error()
	} else {
		l.lastErr = ""
	}
}
