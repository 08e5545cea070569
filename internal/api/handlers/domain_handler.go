package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/api/middleware"
	"github.com/wafportal/backend/internal/cluster"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
	"github.com/wafportal/backend/internal/util"
)

// DomainHandler manages protected domains. On a slave domains arrive by
// replication and are read-only here.
type DomainHandler struct {
	DB                  *gorm.DB
	notificationService *services.NotificationService
	reloader            cluster.Reloader
	mode                func() models.NodeMode
}

func NewDomainHandler(db *gorm.DB, ns *services.NotificationService, reloader cluster.Reloader, mode func() models.NodeMode) *DomainHandler {
	return &DomainHandler{
		DB:                  db,
		notificationService: ns,
		reloader:            reloader,
		mode:                mode,
	}
}

func (h *DomainHandler) List(c *gin.Context) {
	var domains []models.Domain
	if err := h.DB.Order("name asc").Find(&domains).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch domains"})
		return
	}
	c.JSON(http.StatusOK, domains)
}

type createDomainRequest struct {
	Name            string `json:"name" binding:"required"`
	UpstreamScheme  string `json:"upstream_scheme"`
	UpstreamHost    string `json:"upstream_host" binding:"required"`
	UpstreamPort    int    `json:"upstream_port" binding:"required,min=1,max=65535"`
	CertificateUUID string `json:"certificate_uuid"`
	ModSecMode      string `json:"modsec_mode"`
	RuleSetUUID     string `json:"rule_set_uuid"`
	SSLForced       bool   `json:"ssl_forced"`
	HTTP2           bool   `json:"http2"`
	Enabled         *bool  `json:"enabled"`
}

func (h *DomainHandler) Create(c *gin.Context) {
	if !h.writable(c) {
		return
	}
	var input createDomainRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	domain := models.Domain{
		Name:            strings.ToLower(strings.TrimSpace(input.Name)),
		UpstreamScheme:  input.UpstreamScheme,
		UpstreamHost:    strings.TrimSpace(input.UpstreamHost),
		UpstreamPort:    input.UpstreamPort,
		CertificateUUID: input.CertificateUUID,
		ModSecMode:      input.ModSecMode,
		RuleSetUUID:     input.RuleSetUUID,
		SSLForced:       input.SSLForced,
		HTTP2:           input.HTTP2,
		Enabled:         input.Enabled == nil || *input.Enabled,
	}
	if domain.ModSecMode == "" {
		domain.ModSecMode = models.ModSecModeOn
	}
	switch domain.ModSecMode {
	case models.ModSecModeOn, models.ModSecModeDetectionOnly, models.ModSecModeOff:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown modsec_mode %q", domain.ModSecMode)})
		return
	}

	var existing int64
	if err := h.DB.Model(&models.Domain{}).Where("name = ?", domain.Name).Count(&existing).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create domain"})
		return
	}
	if existing > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Domain already exists"})
		return
	}

	if err := h.DB.Create(&domain).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create domain"})
		return
	}

	h.notify(c, "Domain Added", domain, "created")
	c.JSON(http.StatusCreated, gin.H{"domain": domain, "reload": h.reload(c)})
}

func (h *DomainHandler) Delete(c *gin.Context) {
	if !h.writable(c) {
		return
	}
	id := c.Param("id")
	var domain models.Domain
	if err := h.DB.Where("uuid = ?", id).First(&domain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Domain not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete domain"})
		return
	}

	if err := h.DB.Delete(&domain).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete domain"})
		return
	}

	h.notify(c, "Domain Deleted", domain, "deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Domain deleted", "reload": h.reload(c)})
}

func (h *DomainHandler) writable(c *gin.Context) bool {
	if h.mode != nil && h.mode() == models.NodeModeSlave {
		respondError(c, fmt.Errorf("%w: configuration is managed by the master", cluster.ErrWrongRole), "")
		return false
	}
	return true
}

func (h *DomainHandler) reload(c *gin.Context) gin.H {
	if h.reloader == nil {
		return nil
	}
	ok, msg := h.reloader.Apply(c.Request.Context())
	if !ok {
		middleware.GetRequestLogger(c).WithField("message", util.SanitizeForLog(msg)).Warn("proxy reload after domain change failed")
	}
	return gin.H{"ok": ok, "message": msg}
}

func (h *DomainHandler) notify(c *gin.Context, title string, domain models.Domain, action string) {
	if h.notificationService == nil {
		return
	}
	h.notificationService.SendExternal(
		c.Request.Context(),
		"domain",
		title,
		fmt.Sprintf("Domain %s %s", domain.Name, action),
		map[string]interface{}{
			"Name":   domain.Name,
			"Action": action,
		},
	)
}
