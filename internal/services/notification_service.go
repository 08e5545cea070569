package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/models"
	"github.com/wafportal/backend/internal/util"
)

const (
	minimalTemplate  = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "time": {{toJSON .Time}}, "event": {{toJSON .EventType}}}`
	detailedTemplate = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "time": {{toJSON .Time}}, "event": {{toJSON .EventType}}, "node": {{toJSON .Node}}, "data": {{toJSON .}}}`
)

type NotificationService struct {
	DB *gorm.DB

	// sendFunc delivers shoutrrr messages; replaced in tests.
	sendFunc func(url, message string) error
	// allowPrivate permits webhook targets on private networks.
	allowPrivate bool
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{
		DB: db,
		sendFunc: func(url, message string) error {
			return shoutrrr.Send(url, message)
		},
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// shoutrrrURL converts pasted provider webhook URLs into shoutrrr form.
func shoutrrrURL(channelType, rawURL string) string {
	if channelType == "discord" {
		if m := discordWebhookRegex.FindStringSubmatch(rawURL); len(m) == 3 {
			return fmt.Sprintf("discord://%s@%s", m[2], m[1])
		}
	}
	return rawURL
}

// In-app notifications

func (s *NotificationService) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	n := &models.Notification{Type: nType, Title: title, Message: message}
	return n, s.DB.Create(n).Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	return s.ListByType(unreadOnly, "")
}

// ListByType lists notifications newest first, limited to nType unless it is empty.
func (s *NotificationService) ListByType(unreadOnly bool, nType models.NotificationType) ([]models.Notification, error) {
	var list []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	if nType != "" {
		query = query.Where("type = ?", nType)
	}
	return list, query.Find(&list).Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	return s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true).Error
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// Channels

func (s *NotificationService) ListChannels() ([]models.NotificationChannel, error) {
	var list []models.NotificationChannel
	return list, s.DB.Order("name asc").Find(&list).Error
}

func (s *NotificationService) CreateChannel(ch *models.NotificationChannel) error {
	return s.DB.Create(ch).Error
}

func (s *NotificationService) UpdateChannel(ch *models.NotificationChannel) error {
	return s.DB.Save(ch).Error
}

func (s *NotificationService) DeleteChannel(id string) error {
	return s.DB.Delete(&models.NotificationChannel{}, "id = ?", id).Error
}

// SendExternal fans an event out to every enabled channel subscribed to
// eventType. Delivery is asynchronous and failures are only logged.
func (s *NotificationService) SendExternal(ctx context.Context, eventType, title, message string, data map[string]interface{}) {
	var channels []models.NotificationChannel
	if err := s.DB.WithContext(ctx).Where("enabled = ?", true).Find(&channels).Error; err != nil {
		logger.Log().WithError(err).Warn("failed to load notification channels")
		return
	}

	payload := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		payload[k] = v
	}
	payload["Title"] = title
	payload["Message"] = message
	payload["Time"] = time.Now().UTC().Format(time.RFC3339)
	payload["EventType"] = eventType

	for _, ch := range channels {
		if !ch.Wants(eventType) {
			continue
		}
		go func(ch models.NotificationChannel) {
			if err := s.deliver(ch, title, message, payload); err != nil {
				logger.Log().WithError(err).WithField("channel", util.SanitizeForLog(ch.Name)).Warn("notification delivery failed")
			}
		}(ch)
	}
}

// TestChannel sends a fixed message through ch and returns the delivery error.
func (s *NotificationService) TestChannel(ch models.NotificationChannel) error {
	payload := map[string]interface{}{
		"Title":     "Test notification",
		"Message":   "This is a test notification from the WAF portal",
		"Time":      time.Now().UTC().Format(time.RFC3339),
		"EventType": "test",
	}
	return s.deliver(ch, "Test notification", "This is a test notification from the WAF portal", payload)
}

func (s *NotificationService) deliver(ch models.NotificationChannel, title, message string, payload map[string]interface{}) error {
	if ch.Type == "webhook" {
		return s.sendWebhook(ch, payload)
	}
	url := shoutrrrURL(ch.Type, ch.URL)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := s.validateWebhookURL(url); err != nil {
			return err
		}
	}
	return s.sendFunc(url, title+"\n\n"+message)
}

// RenderTemplate renders the channel's webhook body for payload.
func (s *NotificationService) RenderTemplate(ch models.NotificationChannel, payload map[string]interface{}) (string, error) {
	body := ch.Config
	switch strings.ToLower(strings.TrimSpace(ch.Template)) {
	case "detailed":
		body = detailedTemplate
	case "minimal":
		body = minimalTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = minimalTemplate
	}

	tmpl, err := template.New("webhook").Funcs(template.FuncMap{
		"toJSON": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse webhook template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, payload); err != nil {
		return "", fmt.Errorf("execute webhook template: %w", err)
	}
	if !json.Valid(out.Bytes()) {
		return "", fmt.Errorf("webhook template did not produce valid JSON")
	}
	return out.String(), nil
}

func (s *NotificationService) sendWebhook(ch models.NotificationChannel, payload map[string]interface{}) error {
	u, err := s.validateWebhookURL(ch.URL)
	if err != nil {
		return err
	}
	body, err := s.RenderTemplate(ch, payload)
	if err != nil {
		return err
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequest(http.MethodPost, u.String(), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// validateWebhookURL requires http(s) and rejects hosts resolving to
// private or loopback addresses unless allowPrivate is set.
func (s *NotificationService) validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("webhook url has no host")
	}
	if s.allowPrivate {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook host: %w", err)
	}
	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return nil, fmt.Errorf("webhook host resolves to disallowed address %s", ip)
		}
	}
	return u, nil
}
