package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/cluster"
)

// maxImportBytes bounds a pushed snapshot.
const maxImportBytes = 64 << 20

// NodeHandler serves the inter-node sync endpoints. Requests are
// authenticated by middleware.NodeAuth before they reach it.
type NodeHandler struct {
	orch *cluster.Orchestrator
}

func NewNodeHandler(orch *cluster.Orchestrator) *NodeHandler {
	return &NodeHandler{orch: orch}
}

// Export returns the master's snapshot, or only its hash when the caller
// already holds it.
func (h *NodeHandler) Export(c *gin.Context) {
	resp, err := h.orch.Export(c.Request.Context(), middleware.SlaveNode(c), c.Query("known_hash"))
	if err != nil {
		respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Import applies a snapshot pushed by the master.
func (h *NodeHandler) Import(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes)
	var req cluster.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondNodeError(c, cluster.ValidationErrorf("invalid import request: %v", err))
		return
	}
	resp, err := h.orch.AcceptPush(c.Request.Context(), req)
	if err != nil {
		respondNodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *NodeHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Ping(c.Request.Context(), middleware.SlaveNode(c)))
}
