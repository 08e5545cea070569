package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/models"
)

// RuntimeConfig tunes the background loops.
type RuntimeConfig struct {
	LivenessInterval time.Duration
	StaleAfter       time.Duration
	ScheduledPush    bool
}

// Runtime owns the background loops for the node's role and restarts them
// when the role or master connection changes.
type Runtime struct {
	orch     *Orchestrator
	registry SlaveRegistry
	conn     MasterConnection
	notifier Notifier
	clock    clock.WithTicker
	cfg      RuntimeConfig

	mu        sync.Mutex
	ctx       context.Context
	started   bool
	pull      *PullLoop
	liveness  *LivenessMonitor
	scheduler *PushScheduler
}

func NewRuntime(orch *Orchestrator, registry SlaveRegistry, conn MasterConnection, clk clock.WithTicker, cfg RuntimeConfig, notifier Notifier) *Runtime {
	return &Runtime{
		orch:     orch,
		registry: registry,
		conn:     conn,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
	}
}

func (r *Runtime) Orchestrator() *Orchestrator {
	return r.orch
}

// Start selects the role from the stored system configuration and starts
// its loops. The loops live until Stop or until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cluster runtime already started")
	}
	r.ctx = ctx
	r.started = true
	return r.startLocked()
}

// Stop halts every loop, waiting for in-flight work.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.started = false
}

// Reconfigure re-reads the system configuration and restarts the loops.
// Call it after the node mode or master connection changed.
func (r *Runtime) Reconfigure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		sc, err := r.conn.Get()
		if err != nil {
			return err
		}
		r.orch.SetRole(RoleFor(sc, r.registry, r.conn))
		return nil
	}
	r.stopLocked()
	return r.startLocked()
}

// ReloadSchedule refreshes the master's per-slave schedule.
func (r *Runtime) ReloadSchedule() error {
	r.mu.Lock()
	scheduler := r.scheduler
	r.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	return scheduler.Reload()
}

// TriggerPull queues an immediate pull on a slave. It reports whether a
// new pull was queued; false means one was already pending.
func (r *Runtime) TriggerPull() (bool, error) {
	r.mu.Lock()
	pull := r.pull
	r.mu.Unlock()
	if pull == nil {
		if _, ok := r.orch.Role().(SlaveRole); !ok {
			return false, ErrWrongRole
		}
		return false, ValidationErrorf("no master connection configured")
	}
	return pull.Trigger(), nil
}

// PullStatus reports the pull loop state, or nil when none is running.
func (r *Runtime) PullStatus() *LoopStatus {
	r.mu.Lock()
	pull := r.pull
	r.mu.Unlock()
	if pull == nil {
		return nil
	}
	st := pull.Status()
	return &st
}

func (r *Runtime) startLocked() error {
	sc, err := r.conn.Get()
	if err != nil {
		return fmt.Errorf("load system config: %w", err)
	}
	role := RoleFor(sc, r.registry, r.conn)
	r.orch.SetRole(role)

	entry := logger.Log().WithField("mode", role.Mode())
	switch role.(type) {
	case MasterRole:
		r.liveness = NewLivenessMonitor(r.registry, r.clock, r.cfg.LivenessInterval, r.cfg.StaleAfter, r.notifier)
		if err := r.liveness.Start(r.ctx); err != nil {
			return err
		}
		r.scheduler = NewPushScheduler(r.orch, r.registry, r.cfg.ScheduledPush)
		if err := r.scheduler.Start(r.ctx); err != nil {
			return err
		}
	case SlaveRole:
		if !sc.HasMaster() {
			entry.Info("slave mode without a master connection, pull loop idle")
			return nil
		}
		interval := time.Duration(sc.SyncIntervalSeconds) * time.Second
		r.pull = NewPullLoop(r.orch, r.clock, interval)
		if err := r.pull.Start(r.ctx); err != nil {
			return err
		}
	}
	entry.Info("cluster runtime started")
	return nil
}

func (r *Runtime) stopLocked() {
	if r.pull != nil {
		r.pull.Stop()
		r.pull = nil
	}
	if r.liveness != nil {
		r.liveness.Stop()
		r.liveness = nil
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
		r.scheduler = nil
	}
}

// Mode returns the mode the runtime is currently operating in.
func (r *Runtime) Mode() models.NodeMode {
	return r.orch.Role().Mode()
}
