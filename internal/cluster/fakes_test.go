package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wafportal/backend/internal/models"
)

type fakeRepo struct {
	mu       sync.Mutex
	current  *Snapshot
	applied  []*Snapshot
	applyErr error
}

func newFakeRepo(s *Snapshot) *fakeRepo {
	return &fakeRepo{current: s}
}

func (r *fakeRepo) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.current
	if err := cp.Seal(time.Now()); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *fakeRepo) Apply(ctx context.Context, snap *Snapshot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return 0, r.applyErr
	}
	r.applied = append(r.applied, snap)
	r.current = snap
	return snap.Count(), nil
}

func (r *fakeRepo) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type fakeReloader struct {
	mu    sync.Mutex
	ok    bool
	msg   string
	calls int
}

func (f *fakeReloader) Apply(ctx context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ok, f.msg
}

type fakeHistory struct {
	mu     sync.Mutex
	nextID uint
	logs   map[uint]*models.SyncLog
	// completeFailures makes that many Complete calls fail before one succeeds
	completeFailures int
	completeCalls    int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{logs: make(map[uint]*models.SyncLog)}
}

func (h *fakeHistory) Record(nodeID uint, syncType models.SyncType, startedAt time.Time) (uint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.logs[h.nextID] = &models.SyncLog{
		ID: h.nextID, NodeID: nodeID, Type: syncType,
		Status: models.SyncStatusRunning, StartedAt: startedAt,
	}
	return h.nextID, nil
}

func (h *fakeHistory) Complete(id uint, o Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeCalls++
	if h.completeFailures > 0 {
		h.completeFailures--
		return errors.New("database is locked")
	}
	l, ok := h.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status.Terminal() {
		return ValidationErrorf("already completed")
	}
	l.Status = o.Status
	l.ConfigHash = o.ConfigHash
	l.ChangesCount = o.ChangesCount
	if o.Err != nil {
		l.ErrorMessage = o.Err.Error()
	}
	at := o.CompletedAt
	l.CompletedAt = &at
	return nil
}

func (h *fakeHistory) all() []models.SyncLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.SyncLog, 0, len(h.logs))
	for _, l := range h.logs {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *fakeHistory) byNode(id uint) []models.SyncLog {
	var out []models.SyncLog
	for _, l := range h.all() {
		if l.NodeID == id {
			out = append(out, l)
		}
	}
	return out
}

type fakeRegistry struct {
	mu    sync.Mutex
	nodes map[uint]*models.SlaveNode
}

func newFakeRegistry(nodes ...models.SlaveNode) *fakeRegistry {
	r := &fakeRegistry{nodes: make(map[uint]*models.SlaveNode)}
	for i := range nodes {
		n := nodes[i]
		r.nodes[n.ID] = &n
	}
	return r
}

func (r *fakeRegistry) Get(id uint) (*models.SlaveNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *fakeRegistry) GetByAPIKey(key string) (*models.SlaveNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.APIKey == key {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrUnauthorized
}

func (r *fakeRegistry) ListSyncEnabled() ([]models.SlaveNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SlaveNode
	for _, n := range r.nodes {
		if n.SyncEnabled {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRegistry) MarkSeen(ctx context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastSeen = &at
		n.Status = models.SlaveStatusOnline
	}
	return nil
}

func (r *fakeRegistry) MarkOffline(ctx context.Context, ids []uint, seenBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if n, ok := r.nodes[id]; ok && n.Status == models.SlaveStatusOnline && n.IsStale(seenBefore) {
			n.Status = models.SlaveStatusOffline
		}
	}
	return nil
}

func (r *fakeRegistry) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]models.SlaveNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SlaveNode
	for _, n := range r.nodes {
		if n.Status == models.SlaveStatusOnline && n.IsStale(cutoff) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (r *fakeRegistry) CountOnline(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, node := range r.nodes {
		if node.Status == models.SlaveStatusOnline {
			n++
		}
	}
	return n, nil
}

func (r *fakeRegistry) status(id uint) models.SlaveStatus {
	n, _ := r.Get(id)
	return n.Status
}

type fakeConn struct {
	mu        sync.Mutex
	cfg       models.SystemConfig
	failures  []string
	connected int
}

func newSlaveConn(lastHash string) *fakeConn {
	return &fakeConn{cfg: models.SystemConfig{
		ID:                  1,
		NodeMode:            models.NodeModeSlave,
		MasterHost:          "master.local",
		MasterPort:          8080,
		MasterAPIKey:        "master-key",
		SyncIntervalSeconds: 60,
		LastSyncHash:        lastHash,
		Connected:           true,
	}}
}

func (c *fakeConn) Get() (*models.SystemConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.cfg
	return &cp, nil
}

func (c *fakeConn) RecordSyncSuccess(hash string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.LastSyncHash = hash
	c.cfg.LastSyncAt = &at
	c.cfg.Connected = true
	c.cfg.ConnectionError = ""
	return nil
}

func (c *fakeConn) RecordSyncFailure(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, msg)
	c.cfg.Connected = false
	c.cfg.ConnectionError = msg
	return nil
}

func (c *fakeConn) MarkConnected(at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected++
	c.cfg.Connected = true
	c.cfg.ConnectionError = ""
	return nil
}

func (c *fakeConn) lastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.LastSyncHash
}

// fakeTransport answers for one peer. Hooks left nil fail the test by
// returning a transport error.
type fakeTransport struct {
	export func(ctx context.Context, knownHash string) (*ExportResponse, error)
	imp    func(ctx context.Context, snap *Snapshot) (*ImportResponse, error)
	ping   func(ctx context.Context) (*PingResponse, error)
}

func (f *fakeTransport) Export(ctx context.Context, knownHash string) (*ExportResponse, error) {
	if f.export == nil {
		return nil, TransportError(context.DeadlineExceeded)
	}
	return f.export(ctx, knownHash)
}

func (f *fakeTransport) Import(ctx context.Context, snap *Snapshot) (*ImportResponse, error) {
	if f.imp == nil {
		return nil, TransportError(context.DeadlineExceeded)
	}
	return f.imp(ctx, snap)
}

func (f *fakeTransport) Ping(ctx context.Context) (*PingResponse, error) {
	if f.ping == nil {
		return nil, TransportError(context.DeadlineExceeded)
	}
	return f.ping(ctx)
}

// dialMap routes by host.
func dialMap(peers map[string]*fakeTransport) Dialer {
	return func(host string, port int, apiKey string) Transport {
		if t, ok := peers[host]; ok {
			return t
		}
		return &fakeTransport{}
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return &models.Notification{Title: title}, nil
}

func (n *fakeNotifier) SendExternal(ctx context.Context, eventType, title, message string, data map[string]interface{}) {
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}
