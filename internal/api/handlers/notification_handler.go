package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/services"
)

type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

func (h *NotificationHandler) List(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	nType := models.NotificationType(c.Query("type"))
	if nType != "" && !nType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification type"})
		return
	}
	notifications, err := h.service.ListByType(unreadOnly, nType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.MarkAsRead(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notification as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	if err := h.service.MarkAllAsRead(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark all notifications as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All notifications marked as read"})
}

// NotificationChannelHandler manages external delivery channels. Channels
// are replicated configuration, so writes belong on the master.
type NotificationChannelHandler struct {
	service *services.NotificationService
}

func NewNotificationChannelHandler(service *services.NotificationService) *NotificationChannelHandler {
	return &NotificationChannelHandler{service: service}
}

func (h *NotificationChannelHandler) List(c *gin.Context) {
	channels, err := h.service.ListChannels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list channels"})
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (h *NotificationChannelHandler) Create(c *gin.Context) {
	var ch models.NotificationChannel
	if err := c.ShouldBindJSON(&ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch.ID = ""
	if ch.Type == "webhook" {
		if _, err := h.service.RenderTemplate(ch, map[string]interface{}{"Title": "t", "Message": "m"}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.service.CreateChannel(&ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create channel"})
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (h *NotificationChannelHandler) Update(c *gin.Context) {
	var existing models.NotificationChannel
	if err := h.service.DB.First(&existing, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Channel not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update channel"})
		return
	}
	var ch models.NotificationChannel
	if err := c.ShouldBindJSON(&ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch.ID = existing.ID
	ch.CreatedAt = existing.CreatedAt
	if err := h.service.UpdateChannel(&ch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update channel"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *NotificationChannelHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteChannel(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete channel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Channel deleted"})
}

func (h *NotificationChannelHandler) Test(c *gin.Context) {
	var ch models.NotificationChannel
	if err := c.ShouldBindJSON(&ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.TestChannel(ch); err != nil {
		_, _ = h.service.Create(models.NotificationTypeError, "Test Failed", fmt.Sprintf("Channel %s test failed: %v", ch.Name, err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}
