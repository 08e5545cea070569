package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
)

type stubNodeAuth struct {
	role       cluster.NodeRole
	slaves     map[string]*models.SlaveNode
	masterKey  string
	lookupErr  error
	masterErr  error
	slaveCalls int
}

func (s *stubNodeAuth) Role() cluster.NodeRole { return s.role }

func (s *stubNodeAuth) AuthenticateSlave(apiKey string) (*models.SlaveNode, error) {
	s.slaveCalls++
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if n, ok := s.slaves[apiKey]; ok {
		return n, nil
	}
	return nil, cluster.ErrUnauthorized
}

func (s *stubNodeAuth) AuthenticateMaster(apiKey string) error {
	if s.masterErr != nil {
		return s.masterErr
	}
	if apiKey != s.masterKey {
		return cluster.ErrUnauthorized
	}
	return nil
}

func nodeRouter(auth NodeAuthenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NodeAuth(auth))
	r.GET("/node", func(c *gin.Context) {
		name := ""
		if n := SlaveNode(c); n != nil {
			name = n.Name
		}
		c.JSON(http.StatusOK, gin.H{"node": name})
	})
	return r
}

func doNode(r *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/node", nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) cluster.ErrorResponse {
	t.Helper()
	var er cluster.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	return er
}

func TestNodeAuth_Master(t *testing.T) {
	auth := &stubNodeAuth{
		role:   cluster.MasterRole{},
		slaves: map[string]*models.SlaveNode{"k1": {ID: 1, Name: "edge-1"}},
	}
	r := nodeRouter(auth)

	w := doNode(r, "k1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"node":"edge-1"}`, w.Body.String())

	w = doNode(r, "unknown")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeErr(t, w).Kind)

	w = doNode(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 2, auth.slaveCalls, "a missing key never reaches the registry")
}

func TestNodeAuth_MasterLookupError(t *testing.T) {
	r := nodeRouter(&stubNodeAuth{role: cluster.MasterRole{}, lookupErr: errors.New("database is locked")})

	w := doNode(r, "k1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decodeErr(t, w).Kind)
}

func TestNodeAuth_Slave(t *testing.T) {
	r := nodeRouter(&stubNodeAuth{role: cluster.SlaveRole{}, masterKey: "master-key"})

	w := doNode(r, "master-key")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"node":""}`, w.Body.String())

	w = doNode(r, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeErr(t, w).Kind)
}

func TestNodeAuth_SlaveStoreError(t *testing.T) {
	r := nodeRouter(&stubNodeAuth{role: cluster.SlaveRole{}, masterErr: errors.New("disk I/O error")})

	w := doNode(r, "master-key")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
