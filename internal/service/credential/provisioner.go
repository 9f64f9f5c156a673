package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"appforge/internal/model"
	"appforge/pkg/config"
)

// HTTPProvisioner asks the backing service for a fresh credential set
type HTTPProvisioner struct {
	url    string
	token  string
	client *http.Client
}

type provisionRequest struct {
	RequestID string `json:"request_id"`
}

// NewHTTPProvisioner returns nil when no provision URL is configured.
func NewHTTPProvisioner(cfg config.CredentialPoolConfig) *HTTPProvisioner {
	if cfg.ProvisionURL == "" {
		return nil
	}
	return &HTTPProvisioner{
		url:    strings.TrimRight(cfg.ProvisionURL, "/"),
		token:  cfg.ProvisionToken,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Provision requests a new entry for requestID
func (p *HTTPProvisioner) Provision(ctx context.Context, requestID string) (*model.Credentials, error) {
	payload, err := json.Marshal(provisionRequest{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call provisioner: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioner response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provisioner returned status code: %d", resp.StatusCode)
	}

	var creds model.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode provisioner response: %w", err)
	}
	if creds.ConnectionString == "" {
		return nil, fmt.Errorf("provisioner returned no connection string")
	}
	return &creds, nil
}
