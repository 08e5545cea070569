package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/cluster"
)

// statusFor maps the sync engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, cluster.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cluster.ErrWrongRole):
		return http.StatusForbidden
	case errors.Is(err, cluster.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err for the admin UI. Unexpected errors are logged
// and replaced with a generic message.
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.GetRequestLogger(c).WithError(err).Error(fallback)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": cluster.ErrorKind(err)})
}

// respondNodeError writes err for a peer node in the inter-node error format.
func respondNodeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.GetRequestLogger(c).WithError(err).Error("inter-node request failed")
	}
	c.JSON(status, cluster.ErrorResponse{Error: err.Error(), Kind: cluster.ErrorKind(err)})
}
