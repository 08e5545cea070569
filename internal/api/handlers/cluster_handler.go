package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/yaml"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
)

const redacted = "<redacted>"

// ClusterHandler serves the admin cluster pages: node mode, the master
// connection of a slave, the slave registry of a master and sync history.
type ClusterHandler struct {
	runtime  *cluster.Runtime
	system   *services.SystemConfigService
	registry *services.SlaveRegistry
	history  *services.SyncHistoryService
	repo     *services.ConfigRepository
}

func NewClusterHandler(runtime *cluster.Runtime, system *services.SystemConfigService, registry *services.SlaveRegistry,
	history *services.SyncHistoryService, repo *services.ConfigRepository) *ClusterHandler {
	return &ClusterHandler{runtime: runtime, system: system, registry: registry, history: history, repo: repo}
}

type clusterStatus struct {
	Mode         models.NodeMode      `json:"mode"`
	System       *models.SystemConfig `json:"system"`
	ConfigHash   string               `json:"config_hash"`
	Entities     int                  `json:"entities"`
	Slaves       []models.SlaveNode   `json:"slaves,omitempty"`
	SlavesOnline int64                `json:"slaves_online"`
	Pull         *cluster.LoopStatus  `json:"pull,omitempty"`
	LastSync     *models.SyncLog      `json:"last_sync,omitempty"`
}

// Status summarises this node's role together with its master connection
// or its slaves.
func (h *ClusterHandler) Status(c *gin.Context) {
	sc, err := h.system.Get()
	if err != nil {
		respondError(c, err, "Failed to load system config")
		return
	}
	snap, err := h.repo.BuildSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to build configuration snapshot")
		return
	}

	out := clusterStatus{
		Mode:       h.runtime.Mode(),
		System:     sc,
		ConfigHash: snap.Hash,
		Entities:   snap.Count(),
	}
	switch out.Mode {
	case models.NodeModeMaster:
		if out.Slaves, err = h.registry.List(); err != nil {
			respondError(c, err, "Failed to list slaves")
			return
		}
		for _, n := range out.Slaves {
			if n.Status == models.SlaveStatusOnline {
				out.SlavesOnline++
			}
		}
	case models.NodeModeSlave:
		out.Pull = h.runtime.PullStatus()
		if latest, err := h.history.LatestByNode(models.MasterNodeID); err == nil {
			out.LastSync = latest
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *ClusterHandler) GetMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": h.runtime.Mode()})
}

type setModeRequest struct {
	Mode models.NodeMode `json:"mode" binding:"required"`
}

// SetMode switches between master and slave and restarts the role's loops.
func (h *ClusterHandler) SetMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc, err := h.system.SetMode(req.Mode)
	if err != nil {
		respondError(c, err, "Failed to change node mode")
		return
	}
	if !h.reconfigure(c) {
		return
	}
	c.JSON(http.StatusOK, sc)
}

// ConnectMaster verifies and stores a master connection, turning this node into a slave.
func (h *ClusterHandler) ConnectMaster(c *gin.Context) {
	var req services.ConnectMasterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc, err := h.system.ConnectMaster(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "Failed to connect to master")
		return
	}
	if !h.reconfigure(c) {
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *ClusterHandler) DisconnectMaster(c *gin.Context) {
	sc, err := h.system.DisconnectMaster()
	if err != nil {
		respondError(c, err, "Failed to disconnect from master")
		return
	}
	if !h.reconfigure(c) {
		return
	}
	c.JSON(http.StatusOK, sc)
}

// TestConnection pings a master with the given credentials without saving them.
func (h *ClusterHandler) TestConnection(c *gin.Context) {
	var req services.ConnectMasterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.system.TestConnection(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "Connection test failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Sync pulls from the master now. With async=true the pull is queued on
// the pull loop instead and the request returns immediately.
func (h *ClusterHandler) Sync(c *gin.Context) {
	if c.Query("async") == "true" {
		queued, err := h.runtime.TriggerPull()
		if err != nil {
			respondError(c, err, "Failed to queue sync")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": queued})
		return
	}
	res, err := h.runtime.Orchestrator().Pull(c.Request.Context())
	writeSyncResult(c, res, err)
}

func (h *ClusterHandler) ListSlaves(c *gin.Context) {
	nodes, err := h.registry.List()
	if err != nil {
		respondError(c, err, "Failed to list slaves")
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (h *ClusterHandler) GetSlave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	node, err := h.registry.Get(id)
	if err != nil {
		respondError(c, err, "Failed to load slave")
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *ClusterHandler) CreateSlave(c *gin.Context) {
	var req services.RegisterSlaveInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, err := h.registry.Register(req)
	if err != nil {
		respondError(c, err, "Failed to register slave")
		return
	}
	h.reloadSchedule(c)
	c.JSON(http.StatusCreated, node)
}

func (h *ClusterHandler) UpdateSlave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.UpdateSlaveInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, err := h.registry.Update(id, req)
	if err != nil {
		respondError(c, err, "Failed to update slave")
		return
	}
	h.reloadSchedule(c)
	c.JSON(http.StatusOK, node)
}

func (h *ClusterHandler) DeleteSlave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(id); err != nil {
		respondError(c, err, "Failed to delete slave")
		return
	}
	h.reloadSchedule(c)
	c.JSON(http.StatusOK, gin.H{"message": "Slave deleted"})
}

// RegenerateKey issues a new API key. The slave stops authenticating until
// it is reconnected with the new key.
func (h *ClusterHandler) RegenerateKey(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	node, err := h.registry.RegenerateAPIKey(id)
	if err != nil {
		respondError(c, err, "Failed to regenerate API key")
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *ClusterHandler) SyncSlave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.runtime.Orchestrator().PushOne(c.Request.Context(), id)
	writeSyncResult(c, res, err)
}

func (h *ClusterHandler) CheckSlave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.runtime.Orchestrator().HealthCheck(c.Request.Context(), id)
	writeSyncResult(c, res, err)
}

func (h *ClusterHandler) SyncAll(c *gin.Context) {
	res, err := h.runtime.Orchestrator().PushAll(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to push to slaves")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ClusterHandler) SlaveHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := h.registry.Get(id); err != nil {
		respondError(c, err, "Failed to load slave")
		return
	}
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	logs, err := h.history.ListByNode(id, limit, offset)
	if err != nil {
		respondError(c, err, "Failed to load sync history")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *ClusterHandler) History(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	logs, err := h.history.ListRecent(limit, offset)
	if err != nil {
		respondError(c, err, "Failed to load sync history")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Snapshot downloads the current configuration snapshot as JSON, or YAML
// with format=yaml. Private keys and password hashes are redacted; the
// hash still covers them.
func (h *ClusterHandler) Snapshot(c *gin.Context) {
	snap, err := h.repo.BuildSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to build configuration snapshot")
		return
	}
	redactSnapshot(snap)

	if strings.EqualFold(c.Query("format"), "yaml") {
		out, err := yaml.Marshal(snap)
		if err != nil {
			respondError(c, err, "Failed to encode snapshot")
			return
		}
		c.Header("Content-Disposition", `attachment; filename="snapshot.yaml"`)
		c.Data(http.StatusOK, "application/yaml", out)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func redactSnapshot(snap *cluster.Snapshot) {
	for i := range snap.Certificates {
		if snap.Certificates[i].PrivateKey != "" {
			snap.Certificates[i].PrivateKey = redacted
		}
	}
	for i := range snap.Users {
		if snap.Users[i].PasswordHash != "" {
			snap.Users[i].PasswordHash = redacted
		}
	}
}

func (h *ClusterHandler) reconfigure(c *gin.Context) bool {
	if err := h.runtime.Reconfigure(); err != nil {
		respondError(c, err, "Failed to restart cluster loops")
		return false
	}
	return true
}

// reloadSchedule refreshes the push schedule after a registry change. A
// failure leaves the old schedule running and is only logged.
func (h *ClusterHandler) reloadSchedule(c *gin.Context) {
	if err := h.runtime.ReloadSchedule(); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("failed to reload push schedule")
	}
}

// writeSyncResult reports an attempt that ran with 200 and its outcome in
// the body; an attempt that never started is reported as an error.
func writeSyncResult(c *gin.Context, res cluster.SyncResult, err error) {
	if err != nil && res.Status == "" {
		respondError(c, err, "Sync failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

func parsePage(c *gin.Context) (limit, offset int, ok bool) {
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return 0, 0, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return 0, 0, false
		}
	}
	return limit, offset, true
}
