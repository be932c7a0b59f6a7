package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/clubpoints/backend/internal/config"
)

// Client is the outbound interface to the external loyalty-points
// provider. The provider exposes exactly two operations: a balance read
// and an additive write. Reads can lag writes, so callers verify writes
// by comparing balance reads around them.
type Client interface {
	Balance(ctx context.Context, username string) (int64, error)
	AddPoints(ctx context.Context, username string, delta int64) error
}

// HTTPClient talks to the provider's JSON HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds a provider client from config.
func NewHTTPClient(cfg *config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Balance reads the member's current points balance.
func (c *HTTPClient) Balance(ctx context.Context, username string) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/users/%s/points", c.baseURL, url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("provider balance read returned status %d", resp.StatusCode)
	}

	var result struct {
		Points int64 `json:"points"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	return result.Points, nil
}

// AddPoints issues an additive write. Delta may be negative. The ack does
// not guarantee the write is visible to subsequent reads yet.
func (c *HTTPClient) AddPoints(ctx context.Context, username string, delta int64) error {
	endpoint := fmt.Sprintf("%s/api/users/%s/points", c.baseURL, url.PathEscape(username))

	body, err := json.Marshal(map[string]int64{"delta": delta})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("provider write returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
