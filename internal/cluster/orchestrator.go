package cluster

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/metrics"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/version"
)

const (
	completeTries         = 3
	completeRetryInterval = 200 * time.Millisecond
)

// SyncResult is the outcome of one attempt against one peer.
type SyncResult struct {
	NodeID       uint              `json:"node_id"`
	NodeName     string            `json:"node_name,omitempty"`
	LogID        uint              `json:"log_id,omitempty"`
	Status       models.SyncStatus `json:"status"`
	Hash         string            `json:"hash,omitempty"`
	ChangesCount int               `json:"changes_count"`
	Skipped      bool              `json:"skipped,omitempty"`
	Error        string            `json:"error,omitempty"`
	Err          error             `json:"-"`
}

// FanOutResult aggregates a push to every sync-enabled slave.
type FanOutResult struct {
	Hash      string            `json:"hash"`
	Status    models.SyncStatus `json:"status"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Results   []SyncResult      `json:"results"`
}

// Orchestrator runs sync attempts for the node's current role. At most one
// attempt per target runs at a time; overlapping requests are skipped.
type Orchestrator struct {
	repo            ConfigRepository
	reloader        Reloader
	history         SyncHistory
	dial            Dialer
	notifier        Notifier
	clock           clock.PassiveClock
	pushConcurrency int

	mu    sync.RWMutex
	role  NodeRole
	guard *inFlight
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithNotifier enables operator notifications for failed attempts.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPushConcurrency bounds how many slaves PushAll contacts at once.
func WithPushConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pushConcurrency = n
		}
	}
}

func NewOrchestrator(repo ConfigRepository, reloader Reloader, history SyncHistory, dial Dialer, role NodeRole, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:            repo,
		reloader:        reloader,
		history:         history,
		dial:            dial,
		clock:           clock.RealClock{},
		pushConcurrency: 8,
		role:            role,
		guard:           newInFlight(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Role returns the current node role.
func (o *Orchestrator) Role() NodeRole {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.role
}

// SetRole switches the node role. Attempts already running finish under the old role.
func (o *Orchestrator) SetRole(role NodeRole) {
	o.mu.Lock()
	o.role = role
	o.mu.Unlock()
}

// PullInProgress reports whether a pull or accepted push is running.
func (o *Orchestrator) PullInProgress() bool {
	return o.guard.busy(masterKey)
}

// Pull fetches the master's snapshot and applies it when the hash differs
// from the last applied one. It is a no-op returning ErrSyncInProgress when
// another pull or push is being applied.
func (o *Orchestrator) Pull(ctx context.Context) (SyncResult, error) {
	role, ok := o.Role().(SlaveRole)
	if !ok {
		return SyncResult{}, ErrWrongRole
	}
	sc, err := role.Connection.Get()
	if err != nil {
		return SyncResult{}, err
	}
	if !sc.HasMaster() {
		return SyncResult{}, ValidationErrorf("no master connection configured")
	}

	if !o.guard.tryAcquire(masterKey) {
		return SyncResult{NodeID: models.MasterNodeID, Skipped: true}, ErrSyncInProgress
	}
	defer o.guard.release(masterKey)

	master := BaseURL(sc.MasterHost, sc.MasterPort)
	entry := logger.WithFields(logrus.Fields{
		"node_id":   models.MasterNodeID,
		"node":      master,
		"sync_type": models.SyncTypeIncremental,
	})
	client := o.dial(sc.MasterHost, sc.MasterPort, sc.MasterAPIKey)

	res := o.runAttempt(ctx, models.MasterNodeID, models.SyncTypeIncremental, metrics.DirectionPull, entry,
		func(ctx context.Context) (string, int, error) {
			resp, err := client.Export(ctx, sc.LastSyncHash)
			if err != nil {
				return "", 0, err
			}
			if resp.Unchanged {
				if !sc.Connected || sc.ConnectionError != "" {
					if err := role.Connection.MarkConnected(o.clock.Now()); err != nil {
						entry.WithError(err).Warn("failed to record master reachability")
					}
				}
				return resp.Hash, 0, nil
			}

			changes, _, err := o.applySnapshot(ctx, resp.Hash, resp.Snapshot)
			if err != nil {
				return resp.Hash, 0, err
			}
			if err := role.Connection.RecordSyncSuccess(resp.Hash, o.clock.Now()); err != nil {
				return resp.Hash, changes, fmt.Errorf("record sync hash: %w", err)
			}
			return resp.Hash, changes, nil
		})

	if res.Err != nil {
		if err := role.Connection.RecordSyncFailure(res.Err.Error()); err != nil {
			entry.WithError(err).Warn("failed to record sync failure")
		}
		if sc.Connected {
			o.notify(ctx, "Sync from master failed", fmt.Sprintf("Pull from %s failed: %v", master, res.Err),
				map[string]interface{}{"Node": master})
		}
	}
	return res, res.Err
}

// PushOne pushes the current snapshot to a single slave.
func (o *Orchestrator) PushOne(ctx context.Context, nodeID uint) (SyncResult, error) {
	role, ok := o.Role().(MasterRole)
	if !ok {
		return SyncResult{}, ErrWrongRole
	}
	node, err := role.Registry.Get(nodeID)
	if err != nil {
		return SyncResult{}, err
	}
	if !node.SyncEnabled {
		return SyncResult{}, ValidationErrorf("sync is disabled for slave %q", node.Name)
	}

	snap, err := o.repo.BuildSnapshot(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("build snapshot: %w", err)
	}
	res := o.pushTo(ctx, role.Registry, *node, snap)
	return res, res.Err
}

// PushAll builds one snapshot and pushes it to every sync-enabled slave.
// Each target succeeds or fails on its own; the returned error only reports
// failures that prevented the fan-out from starting.
func (o *Orchestrator) PushAll(ctx context.Context) (FanOutResult, error) {
	role, ok := o.Role().(MasterRole)
	if !ok {
		return FanOutResult{}, ErrWrongRole
	}
	nodes, err := role.Registry.ListSyncEnabled()
	if err != nil {
		return FanOutResult{}, err
	}
	snap, err := o.repo.BuildSnapshot(ctx)
	if err != nil {
		return FanOutResult{}, fmt.Errorf("build snapshot: %w", err)
	}

	out := FanOutResult{Hash: snap.Hash, Results: make([]SyncResult, len(nodes))}

	var g errgroup.Group
	g.SetLimit(o.pushConcurrency)
	for i, node := range nodes {
		g.Go(func() error {
			out.Results[i] = o.pushTo(ctx, role.Registry, node, snap)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		switch {
		case r.Skipped:
			out.Skipped++
		case r.Err != nil:
			out.Failed++
		default:
			out.Succeeded++
		}
	}
	switch {
	case out.Failed == 0:
		out.Status = models.SyncStatusSuccess
	case out.Succeeded == 0 && out.Skipped == 0:
		out.Status = models.SyncStatusFailed
	default:
		out.Status = models.SyncStatusPartial
	}

	logger.WithFields(logrus.Fields{
		"hash":      shortHash(snap.Hash),
		"succeeded": out.Succeeded,
		"failed":    out.Failed,
		"skipped":   out.Skipped,
	}).Info("push to slaves finished")
	return out, nil
}

func (o *Orchestrator) pushTo(ctx context.Context, registry SlaveRegistry, node models.SlaveNode, snap *Snapshot) SyncResult {
	key := slaveKey(node.ID)
	if !o.guard.tryAcquire(key) {
		return SyncResult{
			NodeID:   node.ID,
			NodeName: node.Name,
			Skipped:  true,
			Err:      ErrSyncInProgress,
			Error:    ErrSyncInProgress.Error(),
		}
	}
	defer o.guard.release(key)

	entry := logger.WithFields(logrus.Fields{
		"node_id":   node.ID,
		"node":      node.Name,
		"sync_type": models.SyncTypeFull,
	})
	client := o.dial(node.Host, node.Port, node.APIKey)
	started := o.clock.Now()

	res := o.runAttempt(ctx, node.ID, models.SyncTypeFull, metrics.DirectionPush, entry,
		func(ctx context.Context) (string, int, error) {
			resp, err := client.Import(ctx, snap)
			if err != nil {
				return snap.Hash, 0, err
			}
			if err := registry.MarkSeen(ctx, node.ID, o.clock.Now()); err != nil {
				entry.WithError(err).Warn("failed to record slave heartbeat")
			}
			return snap.Hash, resp.ChangesCount, nil
		})
	res.NodeName = node.Name

	if res.Err != nil {
		if IsRetryable(res.Err) {
			if err := registry.MarkOffline(ctx, []uint{node.ID}, started); err != nil {
				entry.WithError(err).Warn("failed to mark slave offline")
			}
		}
		o.notify(ctx, "Push to slave failed", fmt.Sprintf("Push to %s failed: %v", node.Name, res.Err),
			map[string]interface{}{"Node": node.Name, "NodeID": node.ID})
	}
	return res
}

// HealthCheck pings a slave and records the exchange as a health_check attempt.
func (o *Orchestrator) HealthCheck(ctx context.Context, nodeID uint) (SyncResult, error) {
	role, ok := o.Role().(MasterRole)
	if !ok {
		return SyncResult{}, ErrWrongRole
	}
	node, err := role.Registry.Get(nodeID)
	if err != nil {
		return SyncResult{}, err
	}

	key := slaveKey(node.ID)
	if !o.guard.tryAcquire(key) {
		return SyncResult{NodeID: node.ID, NodeName: node.Name, Skipped: true}, ErrSyncInProgress
	}
	defer o.guard.release(key)

	entry := logger.WithFields(logrus.Fields{
		"node_id":   node.ID,
		"node":      node.Name,
		"sync_type": models.SyncTypeHealthCheck,
	})
	client := o.dial(node.Host, node.Port, node.APIKey)
	started := o.clock.Now()

	res := o.runAttempt(ctx, node.ID, models.SyncTypeHealthCheck, metrics.DirectionHealth, entry,
		func(ctx context.Context) (string, int, error) {
			resp, err := client.Ping(ctx)
			if err != nil {
				return "", 0, err
			}
			if resp.Mode != string(models.NodeModeSlave) {
				return "", 0, ValidationErrorf("%s answered in %s mode", node.Name, resp.Mode)
			}
			if err := role.Registry.MarkSeen(ctx, node.ID, o.clock.Now()); err != nil {
				return resp.LastHash, 0, err
			}
			return resp.LastHash, 0, nil
		})
	res.NodeName = node.Name

	if res.Err != nil && IsRetryable(res.Err) {
		if err := role.Registry.MarkOffline(ctx, []uint{node.ID}, started); err != nil {
			entry.WithError(err).Warn("failed to mark slave offline")
		}
	}
	return res, res.Err
}

// AcceptPush applies a snapshot pushed by the master. It shares the pull
// guard so a pushed snapshot and a pulled one are never applied together.
func (o *Orchestrator) AcceptPush(ctx context.Context, req ImportRequest) (*ImportResponse, error) {
	role, ok := o.Role().(SlaveRole)
	if !ok {
		return nil, ErrWrongRole
	}
	if req.Snapshot == nil || req.Hash == "" {
		return nil, ValidationErrorf("hash and snapshot are required")
	}
	if !o.guard.tryAcquire(masterKey) {
		return nil, ErrSyncInProgress
	}
	defer o.guard.release(masterKey)

	entry := logger.WithFields(logrus.Fields{
		"node_id":   models.MasterNodeID,
		"sync_type": models.SyncTypeFull,
	})

	var reloadMsg string
	res := o.runAttempt(ctx, models.MasterNodeID, models.SyncTypeFull, metrics.DirectionReceive, entry,
		func(ctx context.Context) (string, int, error) {
			changes, msg, err := o.applySnapshot(ctx, req.Hash, req.Snapshot)
			reloadMsg = msg
			if err != nil {
				return req.Hash, 0, err
			}
			if err := role.Connection.RecordSyncSuccess(req.Hash, o.clock.Now()); err != nil {
				return req.Hash, changes, fmt.Errorf("record sync hash: %w", err)
			}
			return req.Hash, changes, nil
		})

	if res.Err != nil {
		if err := role.Connection.RecordSyncFailure(res.Err.Error()); err != nil {
			entry.WithError(err).Warn("failed to record sync failure")
		}
		return nil, res.Err
	}
	return &ImportResponse{ChangesCount: res.ChangesCount, Hash: req.Hash, ReloadMessage: reloadMsg}, nil
}

// Export serves a pulling slave. When knownHash matches the current
// snapshot only the hash is returned.
func (o *Orchestrator) Export(ctx context.Context, node *models.SlaveNode, knownHash string) (*ExportResponse, error) {
	role, ok := o.Role().(MasterRole)
	if !ok {
		return nil, ErrWrongRole
	}
	snap, err := o.repo.BuildSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	if node != nil {
		if err := role.Registry.MarkSeen(ctx, node.ID, o.clock.Now()); err != nil {
			logger.Log().WithError(err).WithField("node_id", node.ID).Warn("failed to record slave heartbeat")
		}
	}

	if knownHash != "" && knownHash == snap.Hash {
		return &ExportResponse{Unchanged: true, Hash: snap.Hash}, nil
	}
	return &ExportResponse{Hash: snap.Hash, Snapshot: snap}, nil
}

// Ping describes this node. On a master, a ping from a slave counts as a heartbeat.
func (o *Orchestrator) Ping(ctx context.Context, caller *models.SlaveNode) *PingResponse {
	role := o.Role()
	resp := &PingResponse{
		Mode:    string(role.Mode()),
		Name:    version.Name,
		Version: version.Version,
		Time:    o.clock.Now().UTC(),
		Stats:   CollectNodeStats(ctx),
	}
	switch r := role.(type) {
	case MasterRole:
		if caller != nil {
			resp.NodeID = caller.ID
			if err := r.Registry.MarkSeen(ctx, caller.ID, o.clock.Now()); err != nil {
				logger.Log().WithError(err).WithField("node_id", caller.ID).Warn("failed to record slave heartbeat")
			}
		}
	case SlaveRole:
		if sc, err := r.Connection.Get(); err == nil {
			resp.LastHash = sc.LastSyncHash
		}
	}
	return resp
}

// AuthenticateSlave resolves the slave presenting apiKey to the master.
func (o *Orchestrator) AuthenticateSlave(apiKey string) (*models.SlaveNode, error) {
	role, ok := o.Role().(MasterRole)
	if !ok {
		return nil, ErrWrongRole
	}
	return role.Registry.GetByAPIKey(apiKey)
}

// AuthenticateMaster checks the key a master presents to this slave.
func (o *Orchestrator) AuthenticateMaster(apiKey string) error {
	role, ok := o.Role().(SlaveRole)
	if !ok {
		return ErrWrongRole
	}
	sc, err := role.Connection.Get()
	if err != nil {
		return err
	}
	if !sc.HasMaster() || apiKey == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(sc.MasterAPIKey), []byte(apiKey)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// applySnapshot verifies and applies snap, then reloads the proxy. It
// returns the number of changed entities and the reloader's message.
func (o *Orchestrator) applySnapshot(ctx context.Context, hash string, snap *Snapshot) (int, string, error) {
	if snap == nil {
		return 0, "", fmt.Errorf("%w: missing snapshot", ErrIntegrity)
	}
	if err := snap.Verify(hash); err != nil {
		return 0, "", err
	}
	changes, err := o.repo.Apply(ctx, snap)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return 0, "", err
		}
		return 0, "", ApplyError("repository", err)
	}
	ok, msg := o.reloader.Apply(ctx)
	if !ok {
		return changes, msg, ApplyError("reload", errors.New(msg))
	}
	return changes, msg, nil
}

type attemptFunc func(ctx context.Context) (hash string, changes int, err error)

// runAttempt wraps fn in a SyncLog entry that is always completed, and
// records metrics and a log line for the result.
func (o *Orchestrator) runAttempt(ctx context.Context, nodeID uint, syncType models.SyncType, direction string, entry *logrus.Entry, fn attemptFunc) SyncResult {
	start := o.clock.Now()
	res := SyncResult{NodeID: nodeID, Status: models.SyncStatusFailed}

	logID, err := o.history.Record(nodeID, syncType, start)
	if err != nil {
		res.Err = fmt.Errorf("record sync attempt: %w", err)
		res.Error = res.Err.Error()
		entry.WithError(err).Error("sync attempt not started")
		return res
	}
	res.LogID = logID

	hash, changes, runErr := fn(ctx)
	res.Hash = hash
	res.Err = runErr
	if runErr == nil {
		res.Status = models.SyncStatusSuccess
		res.ChangesCount = changes
	} else {
		res.Error = runErr.Error()
	}

	end := o.clock.Now()
	if err := o.completeLog(ctx, logID, Outcome{
		Status:       res.Status,
		ConfigHash:   hash,
		ChangesCount: res.ChangesCount,
		Err:          runErr,
		CompletedAt:  end,
	}); err != nil {
		entry.WithError(err).Error("failed to complete sync log")
	}
	metrics.ObserveSync(direction, string(res.Status), end.Sub(start))

	entry = entry.WithFields(logrus.Fields{
		"hash":        shortHash(hash),
		"changes":     res.ChangesCount,
		"duration_ms": end.Sub(start).Milliseconds(),
	})
	if runErr != nil {
		entry.WithError(runErr).WithField("retryable", IsRetryable(runErr)).Warn("sync attempt failed")
	} else {
		entry.Info("sync attempt succeeded")
	}
	return res
}

// completeLog retries transient storage failures so an attempt does not stay
// running. Entries left running by a crash are closed at startup.
func (o *Orchestrator) completeLog(ctx context.Context, id uint, outcome Outcome) error {
	op := func() (struct{}, error) {
		err := o.history.Complete(id, outcome)
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(context.WithoutCancel(ctx), op,
		backoff.WithBackOff(backoff.NewConstantBackOff(completeRetryInterval)),
		backoff.WithMaxTries(completeTries))
	return err
}

func (o *Orchestrator) notify(ctx context.Context, title, message string, data map[string]interface{}) {
	if o.notifier == nil {
		return
	}
	if _, err := o.notifier.Create(models.NotificationTypeError, title, message); err != nil {
		logger.Log().WithError(err).Warn("failed to store notification")
	}
	o.notifier.SendExternal(context.WithoutCancel(ctx), "cluster", title, message, data)
}
