// Package platform is the outbound client for the external platform: it
// authenticates with client credentials, forwards usage-event batches to the
// billing collaborator, and notifies the entitlement webhook.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-core-sub003/internal/config"
	"github.com/BlocUnited-LLC/mozaiks-core-sub003/pkg/models"
)

// Client talks to the external platform.
type Client struct {
	cfg    config.PlatformConfig
	http   *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewClient builds a platform client. A client with no configured URL is
// valid and reports Enabled() == false.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether outbound platform calls are configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.URL != ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached client-credentials token, fetching a fresh one when
// the cached token is within a minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Until(c.expiresAt) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.TokenScope != "" {
		form.Set("scope", c.cfg.TokenScope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.URL, "/")+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("platform token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("platform token: status %d", resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("platform token: %w", err)
	}
	c.accessToken = tr.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// PostUsageEvents forwards a batch of usage events to the billing endpoint.
// Any 2xx response counts as success.
func (c *Client) PostUsageEvents(ctx context.Context, events []models.UsageEvent) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/billing/usage-events", body)
}

// NotifyEntitlementWebhook posts a manifest-changed notification to the
// configured webhook, if any.
func (c *Client) NotifyEntitlementWebhook(ctx context.Context, appID string) error {
	if c == nil || c.cfg.WebhookURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]any{
		"event":  "subscription:changed",
		"app_id": appID,
		"ts":     time.Now().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("entitlement webhook: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform %s: status %d", path, resp.StatusCode)
	}
	return nil
}
