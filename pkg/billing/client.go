// Package billing calls the credit collaborator after a generation finishes.
package billing

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

// Client deducts credits through the billing collaborator
type Client struct {
	url    string
	token  string
	client *http.Client
}

var _ interfaces.CreditDeductor = (*Client)(nil)

type deductRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Amount    int    `json:"amount"`
}

// NewClient creates a billing client. A disabled client accepts every deduction without calling out.
func NewClient(cfg config.BillingConfig) *Client {
	url := ""
	if cfg.Enabled {
		url = strings.TrimRight(cfg.URL, "/")
	}
	timeout := config.Seconds(cfg.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{url: url, token: cfg.Token, client: &http.Client{Timeout: timeout}}
}

// DeductCredits charges userID for requestID. The request id is the idempotency key,
// so a retried deduction never charges twice.
func (c *Client) DeductCredits(ctx context.Context, userID, requestID string, amount int) error {
	if c.url == "" {
		logger.DebugCtx(ctx, "billing disabled, skipping deduction for request %s", requestID)
		return nil
	}
	if amount <= 0 {
		return nil
	}

	payload, err := json.Marshal(deductRequest{UserID: userID, RequestID: requestID, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to marshal deduction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/credits/deduct", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "credits-"+requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// already charged for this request
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("billing collaborator returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "deducted %d credits from user %s for request %s", amount, userID, requestID)
	return nil
}
