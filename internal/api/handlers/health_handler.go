package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/version"
)

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// HealthHandler responds with basic service metadata and the node's
// cluster mode for uptime checks. mode may be nil.
func HealthHandler(mode func() models.NodeMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{
			"status":      "ok",
			"service":     version.Name,
			"version":     version.Version,
			"git_commit":  version.GitCommit,
			"build_time":  version.BuildTime,
			"internal_ip": getLocalIP(),
		}
		if mode != nil {
			resp["mode"] = mode()
		}
		c.JSON(http.StatusOK, resp)
	}
}
