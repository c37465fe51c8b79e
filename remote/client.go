// Package remote implements the external collaborator interfaces over HTTP.
// Each collaborator is a single JSON-in, JSON-out endpoint; the engine
// treats every call as synchronous.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single collaborator call.
const DefaultTimeout = 60 * time.Second

// Client is a minimal JSON-over-HTTP client shared by all collaborator
// implementations.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the underlying HTTP client. Timeout is ignored
	// when this is set.
	HTTPClient *http.Client
}

// NewClient creates a collaborator client for the given base URL.
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// post sends a JSON payload to path and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request to %s failed with status %d: %s", path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
