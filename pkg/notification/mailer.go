package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
)

// MailerClient calls the mail collaborator to send completion and failure emails
type MailerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ interfaces.Mailer = (*MailerClient)(nil)

// NewMailerClient creates a mailer client. A disabled or unconfigured client skips every send.
func NewMailerClient(cfg config.NotificationConfig) *MailerClient {
	baseURL := ""
	if cfg.Enabled {
		baseURL = strings.TrimRight(cfg.URL, "/")
	}
	if baseURL == "" {
		logger.Warn("mail collaborator URL not configured, notifications will be disabled")
	}

	timeout := config.Seconds(cfg.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MailerClient{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// SendCompletion sends the success email for a finished generation
func (m *MailerClient) SendCompletion(ctx context.Context, n *interfaces.Notification) error {
	return m.send(ctx, "/completion", n)
}

// SendFailure sends the failure email for a failed or cancelled generation
func (m *MailerClient) SendFailure(ctx context.Context, n *interfaces.Notification) error {
	return m.send(ctx, "/failure", n)
}

func (m *MailerClient) send(ctx context.Context, path string, n *interfaces.Notification) error {
	if m.baseURL == "" {
		logger.DebugCtx(ctx, "mail collaborator not configured, skipping %s notification for request %s", path, n.RequestID)
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "notify-"+n.RequestID)
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail collaborator returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "notification sent for request %s (%s)", n.RequestID, n.Phase)
	return nil
}
