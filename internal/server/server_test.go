package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/models"
)

func newTestServer(t *testing.T, frontendDir string) *Server {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Connect(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	cfg := config.Config{
		Environment: "test",
		JWTSecret:   "test-secret",
		FrontendDir: frontendDir,
		Cluster: config.ClusterConfig{
			DefaultSlavePort:           8080,
			DefaultSyncIntervalSeconds: 60,
			ConnectTimeout:             time.Second,
			TransferTimeout:            time.Second,
			LivenessInterval:           time.Minute,
			StaleAfter:                 5 * time.Minute,
			PushConcurrency:            2,
			ConnectRetries:             1,
		},
		Nginx: config.NginxConfig{Disabled: true},
	}
	srv, err := New(db, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)
	return srv
}

func TestNew_ServesFrontend(t *testing.T) {
	frontend := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(frontend, "index.html"), []byte("<html></html>"), 0o644))

	srv := newTestServer(t, frontend)
	assert.NotNil(t, srv.Runtime)
	assert.Equal(t, models.NodeModeMaster, srv.Runtime.Mode())

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<html></html>")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	w = httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_Middleware(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"mode":"master"`)
}

func TestNew_Metrics(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
