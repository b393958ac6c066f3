// Package notify delivers operator and tenant alerts: critical-event
// escalations and dead-letter notices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

const defaultTimeout = 5 * time.Second

// New returns the chat notifier when a webhook URL is configured and the log
// notifier otherwise.
func New(cfg config.NotifyConfig, logger *slog.Logger) core.Notifier {
	if cfg.ChatWebhookURL == "" {
		logger.Warn("notify.chat_webhook_url not set; alerts are only logged")
		return NewLogNotifier(logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewChatNotifier(cfg.ChatWebhookURL, &http.Client{Timeout: timeout}, NewRecipients(cfg.Recipients, cfg.DefaultRecipients), logger)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify never fails.
func (n *LogNotifier) Notify(_ context.Context, alert core.Alert) error {
	n.logger.Warn(alert.Title,
		"severity", alert.Severity,
		"tenant_id", alert.TenantID,
		"source", alert.Source,
		"kind", alert.Kind,
		"job_id", alert.JobID,
		"message", alert.Message,
	)
	return nil
}

// Recipients maps tenants to the people mentioned in their alerts.
type Recipients struct {
	byTenant map[string][]string
	fallback []string
}

// NewRecipients copies the configured lists.
func NewRecipients(byTenant map[string][]string, fallback []string) Recipients {
	m := make(map[string][]string, len(byTenant))
	for tenant, list := range byTenant {
		m[tenant] = append([]string(nil), list...)
	}
	return Recipients{byTenant: m, fallback: append([]string(nil), fallback...)}
}

// For returns the tenant's recipients, or the default list.
func (r Recipients) For(tenantID string) []string {
	if list, ok := r.byTenant[tenantID]; ok && len(list) > 0 {
		return list
	}
	return r.fallback
}

// ChatNotifier posts alerts to a Slack-compatible incoming webhook.
type ChatNotifier struct {
	url        string
	client     *http.Client
	recipients Recipients
	logger     *slog.Logger
}

// NewChatNotifier creates a ChatNotifier.
func NewChatNotifier(url string, client *http.Client, recipients Recipients, logger *slog.Logger) *ChatNotifier {
	return &ChatNotifier{url: url, client: client, recipients: recipients, logger: logger}
}

type chatMessage struct {
	Text string `json:"text"`
}

// Notify posts one message. Any non-2xx response is an error.
func (n *ChatNotifier) Notify(ctx context.Context, alert core.Alert) error {
	body, err := json.Marshal(chatMessage{Text: n.format(alert)})
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post chat message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chat webhook returned %s", resp.Status)
	}
	n.logger.Debug("alert posted to chat", "job_id", alert.JobID, "severity", alert.Severity)
	return nil
}

func (n *ChatNotifier) format(alert core.Alert) string {
	var sb strings.Builder
	for _, m := range n.recipients.For(alert.TenantID) {
		sb.WriteString(m)
		sb.WriteString(" ")
	}
	fmt.Fprintf(&sb, "[%s] %s\n%s", strings.ToUpper(alert.Severity), alert.Title, alert.Message)
	if alert.JobID != "" {
		fmt.Fprintf(&sb, "\njob: %s | source: %s | kind: %s | tenant: %s", alert.JobID, alert.Source, alert.Kind, alert.TenantID)
	}
	return sb.String()
}
