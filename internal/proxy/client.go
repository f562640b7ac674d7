package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring"
)

const requestTimeout = 30 * time.Second

// Client talks to the CLIProxy management API.
type Client struct {
	baseURL       string
	managementKey string
	httpClient    *http.Client
}

// NewClient creates a management API client for the given base URL.
func NewClient(baseURL, managementKey string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		managementKey: managementKey,
		httpClient:    &http.Client{Timeout: requestTimeout},
	}
}

// FetchUsage retrieves the cumulative usage document. The raw body is kept on
// the response for snapshot archival.
func (c *Client) FetchUsage(ctx context.Context) (*UsageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v0/management/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	if c.managementKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.managementKey)
	}

	body, err := c.do(req, "usage")
	if err != nil {
		return nil, err
	}

	var resp UsageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	resp.Raw = body
	return &resp, nil
}

// FetchAuthFiles retrieves the credential catalog. Callers treat a failure as
// an empty catalog; attribution degrades to inferred records.
func (c *Client) FetchAuthFiles(ctx context.Context) ([]AuthFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v0/management/auth-files", nil)
	if err != nil {
		return nil, fmt.Errorf("build auth-files request: %w", err)
	}
	if c.managementKey != "" {
		req.Header.Set("X-Management-Key", c.managementKey)
	}

	body, err := c.do(req, "auth-files")
	if err != nil {
		return nil, err
	}

	var resp authFilesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode auth-files response: %w", err)
	}
	return resp.Files, nil
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		monitoring.UpstreamFetchTotal.WithLabelValues(endpoint, "error").Inc()
		log.WithError(err).WithField("endpoint", endpoint).Error("Management API request failed")
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitoring.UpstreamFetchTotal.WithLabelValues(endpoint, "non_200").Inc()
		log.WithFields(log.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		}).Error("Management API returned non-200")
		return nil, fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		monitoring.UpstreamFetchTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	monitoring.UpstreamFetchTotal.WithLabelValues(endpoint, "ok").Inc()
	return body, nil
}
