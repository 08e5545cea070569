package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
)

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		JWTSecret:   "test-secret",
		Cluster: config.ClusterConfig{
			DefaultSlavePort:           8080,
			DefaultSyncIntervalSeconds: 60,
			ConnectTimeout:             2 * time.Second,
			TransferTimeout:            5 * time.Second,
			LivenessInterval:           time.Minute,
			StaleAfter:                 5 * time.Minute,
			PushConcurrency:            4,
			ConnectRetries:             1,
		},
		Nginx: config.NginxConfig{Disabled: true},
	}
}

type node struct {
	db      *gorm.DB
	router  *gin.Engine
	runtime *cluster.Runtime
	server  *httptest.Server
	token   string
}

func newNode(t *testing.T, adminEmail string) *node {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Connect(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	router := gin.New()
	rt, err := Register(router, db, testConfig(), nil)
	require.NoError(t, err)

	auth := services.NewAuthService(db, testConfig())
	_, err = auth.Register(adminEmail, "password123", "Admin")
	require.NoError(t, err)
	token, err := auth.Login(adminEmail, "password123")
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &node{db: db, router: router, runtime: rt, server: srv, token: token}
}

func (n *node) login(t *testing.T, email string) {
	t.Helper()
	w := n.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	n.token = decode[map[string]string](t, w)["token"]
	require.NotEmpty(t, n.token)
}

func (n *node) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	db, err := database.Connect(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	rt, err := Register(router, db, testConfig(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, models.NodeModeMaster, rt.Mode())

	paths := map[string]bool{}
	for _, r := range router.Routes() {
		paths[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/v1/health",
		"GET /metrics",
		"GET /api/v1/cluster/export",
		"POST /api/v1/cluster/import",
		"GET /api/v1/cluster/ping",
		"POST /api/v1/auth/login",
		"GET /api/v1/cluster/status",
		"PUT /api/v1/cluster/mode",
		"POST /api/v1/cluster/slaves/sync-all",
		"POST /api/v1/cluster/slaves/:id/sync",
		"GET /api/v1/cluster/snapshot",
	} {
		assert.True(t, paths[want], "route %s should be registered", want)
	}

	var sc models.SystemConfig
	require.NoError(t, db.First(&sc).Error, "system config is seeded")
	assert.Equal(t, models.NodeModeMaster, sc.NodeMode)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	n := newNode(t, "admin@master.local")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cluster/status", nil)
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/cluster/export", nil)
	req.Header.Set("Authorization", "Bearer "+n.token)
	w = httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "an admin session is not a node key")
}

func TestMasterSlaveSync(t *testing.T) {
	master := newNode(t, "admin@master.local")
	slave := newNode(t, "ops@slave.local")

	// Register the slave on the master.
	w := master.do(t, http.MethodPost, "/api/v1/cluster/slaves", gin.H{"name": "edge-1", "host": slave.server.URL})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	registered := decode[models.SlaveNode](t, w)
	require.Len(t, registered.APIKey, 64)

	w = master.do(t, http.MethodPost, "/api/v1/domains", gin.H{"name": "shop.example.com", "upstream_host": "10.0.0.5", "upstream_port": 8080})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Connect the slave with the key the master issued.
	w = slave.do(t, http.MethodPost, "/api/v1/cluster/master/connect", gin.H{"host": master.server.URL, "api_key": registered.APIKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.NodeModeSlave, slave.runtime.Mode())

	// Pull.
	w = slave.do(t, http.MethodPost, "/api/v1/cluster/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pulled := decode[cluster.SyncResult](t, w)
	assert.Equal(t, models.SyncStatusSuccess, pulled.Status)
	assert.Positive(t, pulled.ChangesCount)

	var domains []models.Domain
	require.NoError(t, slave.db.Find(&domains).Error)
	require.Len(t, domains, 1)
	assert.Equal(t, "shop.example.com", domains[0].Name)

	// Users are replicated: the slave's local session is gone and the
	// master's admin can log in on the slave.
	w = slave.do(t, http.MethodGet, "/api/v1/cluster/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	slave.login(t, "admin@master.local")

	// A second pull finds nothing new.
	w = slave.do(t, http.MethodPost, "/api/v1/cluster/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[cluster.SyncResult](t, w).ChangesCount)

	// Configuration is read-only on the slave.
	w = slave.do(t, http.MethodPost, "/api/v1/domains", gin.H{"name": "local.example.com", "upstream_host": "10.0.0.9", "upstream_port": 80})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Push a change from the master.
	w = master.do(t, http.MethodPost, "/api/v1/domains", gin.H{"name": "api.example.com", "upstream_host": "10.0.0.6", "upstream_port": 9000})
	require.Equal(t, http.StatusCreated, w.Code)
	w = master.do(t, http.MethodPost, "/api/v1/cluster/slaves/sync-all", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fan := decode[cluster.FanOutResult](t, w)
	assert.Equal(t, models.SyncStatusSuccess, fan.Status)
	assert.Equal(t, 1, fan.Succeeded)

	require.NoError(t, slave.db.Order("name asc").Find(&domains).Error)
	require.Len(t, domains, 2)
	assert.Equal(t, "api.example.com", domains[0].Name)

	// Both sides agree on the configuration hash.
	masterStatus := decode[map[string]any](t, master.do(t, http.MethodGet, "/api/v1/cluster/status", nil))
	slaveStatus := decode[map[string]any](t, slave.do(t, http.MethodGet, "/api/v1/cluster/status", nil))
	assert.Equal(t, masterStatus["config_hash"], slaveStatus["config_hash"])
	assert.EqualValues(t, 1, masterStatus["slaves_online"])

	// History on both sides.
	w = master.do(t, http.MethodGet, "/api/v1/cluster/slaves/1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	masterLogs := decode[[]models.SyncLog](t, w)
	require.Len(t, masterLogs, 1)
	assert.Equal(t, models.SyncTypeFull, masterLogs[0].Type)

	w = slave.do(t, http.MethodGet, "/api/v1/cluster/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	slaveLogs := decode[[]models.SyncLog](t, w)
	require.Len(t, slaveLogs, 3)
	assert.Equal(t, models.SyncTypeFull, slaveLogs[0].Type, "the accepted push is newest")
}

func TestMasterSlaveSync_RejectsRevokedKey(t *testing.T) {
	master := newNode(t, "admin@master.local")
	slave := newNode(t, "ops@slave.local")

	w := master.do(t, http.MethodPost, "/api/v1/cluster/slaves", gin.H{"name": "edge-1", "host": slave.server.URL})
	require.Equal(t, http.StatusCreated, w.Code)
	registered := decode[models.SlaveNode](t, w)

	w = slave.do(t, http.MethodPost, "/api/v1/cluster/master/connect", gin.H{"host": master.server.URL, "api_key": registered.APIKey})
	require.Equal(t, http.StatusOK, w.Code)

	w = master.do(t, http.MethodPost, "/api/v1/cluster/slaves/1/regenerate-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = slave.do(t, http.MethodPost, "/api/v1/cluster/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[cluster.SyncResult](t, w)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Contains(t, res.Error, "unauthorized")

	var sc models.SystemConfig
	require.NoError(t, slave.db.First(&sc).Error)
	assert.False(t, sc.Connected)
	assert.NotEmpty(t, sc.ConnectionError)
}

func TestConnectMaster_WrongKey(t *testing.T) {
	master := newNode(t, "admin@master.local")
	slave := newNode(t, "ops@slave.local")

	w := slave.do(t, http.MethodPost, "/api/v1/cluster/master/connect", gin.H{"host": master.server.URL, "api_key": "not-a-key"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.NodeModeMaster, slave.runtime.Mode(), "a failed connect changes nothing")
}

func TestSnapshotDownloadRedactsSecrets(t *testing.T) {
	n := newNode(t, "admin@master.local")

	w := n.do(t, http.MethodGet, "/api/v1/cluster/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[cluster.Snapshot](t, w)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "<redacted>", snap.Users[0].PasswordHash)
	assert.Len(t, snap.Hash, 64)

	w = n.do(t, http.MethodGet, "/api/v1/cluster/snapshot?format=yaml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "password_hash: <redacted>")
	assert.NotContains(t, w.Body.String(), "$2a$")
}
