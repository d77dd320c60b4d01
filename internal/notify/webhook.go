// Package notify delivers operational notifications to an external
// webhook. Delivery is fire-and-forget: failures are logged, never
// propagated, and never block the caller's path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

// Notification is one outbound message.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Color string `json:"color"`
}

// Sink accepts notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// WebhookSink posts notifications as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhookSink builds a sink from configuration. An empty webhook
// URL yields a no-op sink.
func NewWebhookSink(cfg config.NotifyConfig, log *slog.Logger) Sink {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WebhookURL == "" {
		return NopSink{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Notify posts the notification. Errors are logged and dropped.
func (s *WebhookSink) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Warn("notification marshal failed", "title", n.Title, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.log.Warn("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("notification delivery failed", "title", n.Title, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.Warn("notification rejected by webhook",
			"title", n.Title,
			"status", resp.StatusCode)
		return
	}
	s.log.Debug("notification delivered", "title", n.Title)
}

// NopSink drops every notification.
type NopSink struct{}

// Notify does nothing.
func (NopSink) Notify(context.Context, Notification) {}

// SeverityColor maps an alert severity to a display color.
func SeverityColor(severity string) string {
	switch severity {
	case "critical":
		return "#d9534f"
	case "warning":
		return "#f0ad4e"
	default:
		return "#5bc0de"
	}
}

// FormatAlertBody renders a short human-readable body line.
func FormatAlertBody(anomalyType, spiffeID, message string) string {
	return fmt.Sprintf("[%s] %s: %s", anomalyType, spiffeID, message)
}
