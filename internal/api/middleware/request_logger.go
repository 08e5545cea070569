package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs basic request information along with the request_id.
// Inter-node polling is logged at debug level so a busy cluster does not
// drown the admin traffic.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := GetRequestLogger(c).WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if node, ok := c.Get(SlaveNodeKey); ok && c.Writer.Status() < 400 {
			entry.WithField("node", node).Debug("handled node request")
			return
		}
		entry.Info("handled request")
	}
}
