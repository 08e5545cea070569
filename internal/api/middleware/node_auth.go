package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/util"
)

// SlaveNodeKey holds the authenticated *models.SlaveNode on a master.
const SlaveNodeKey = "slaveNode"

// NodeAuthenticator checks the bearer key presented by a peer node.
type NodeAuthenticator interface {
	Role() cluster.NodeRole
	AuthenticateSlave(apiKey string) (*models.SlaveNode, error)
	AuthenticateMaster(apiKey string) error
}

// NodeAuth authenticates inter-node requests. On a master the key must
// belong to a registered slave, which is stored under SlaveNodeKey. On a
// slave the key must be the one shared with its configured master.
func NodeAuth(auth NodeAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c.GetHeader("Authorization"))
		if key == "" {
			abortNode(c, http.StatusUnauthorized, cluster.ErrUnauthorized)
			return
		}

		switch auth.Role().(type) {
		case cluster.MasterRole:
			node, err := auth.AuthenticateSlave(key)
			if err != nil {
				if errors.Is(err, cluster.ErrUnauthorized) {
					GetRequestLogger(c).WithFields(logrus.Fields{
						"client": util.SanitizeForLog(c.ClientIP()),
						"key":    util.KeyFingerprint(key),
					}).Warn("rejected unknown slave key")
					abortNode(c, http.StatusUnauthorized, cluster.ErrUnauthorized)
					return
				}
				GetRequestLogger(c).WithError(err).Error("slave authentication failed")
				abortNode(c, http.StatusInternalServerError, err)
				return
			}
			c.Set(SlaveNodeKey, node)
		default:
			if err := auth.AuthenticateMaster(key); err != nil {
				if errors.Is(err, cluster.ErrUnauthorized) {
					GetRequestLogger(c).WithFields(logrus.Fields{
						"client": util.SanitizeForLog(c.ClientIP()),
						"key":    util.KeyFingerprint(key),
					}).Warn("rejected master key")
					abortNode(c, http.StatusUnauthorized, cluster.ErrUnauthorized)
					return
				}
				abortNode(c, http.StatusInternalServerError, err)
				return
			}
		}
		c.Next()
	}
}

// SlaveNode returns the slave authenticated by NodeAuth, if any.
func SlaveNode(c *gin.Context) *models.SlaveNode {
	if v, ok := c.Get(SlaveNodeKey); ok {
		if node, ok := v.(*models.SlaveNode); ok {
			return node
		}
	}
	return nil
}

func abortNode(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, cluster.ErrorResponse{Error: err.Error(), Kind: cluster.ErrorKind(err)})
}
