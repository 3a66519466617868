// Package github talks to the GitHub REST API for data webhook payloads do
// not carry, currently the review history of a pull request.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shiplog/issuesync/core"
)

const (
	defaultBaseURL        = "https://api.github.com"
	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 1 << 20 // 1 MiB
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	HTTPClient     HTTPDoer
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

type Client struct {
	httpClient     HTTPDoer
	baseURL        string
	token          string
	requestTimeout time.Duration
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		token:          strings.TrimSpace(cfg.Token),
		requestTimeout: requestTimeout,
	}
}

type review struct {
	State string `json:"state"`
}

// ReviewCycleCount counts CHANGES_REQUESTED reviews on the pull request, one
// per round-trip between author and reviewer. The external key carries
// "owner/repo" ahead of the "#number" suffix.
func (c *Client) ReviewCycleCount(ctx context.Context, externalKey string, number int) (int, error) {
	if c == nil || c.httpClient == nil {
		return 0, fmt.Errorf("github: client is not configured")
	}
	repo, err := repoFromExternalKey(externalKey)
	if err != nil {
		return 0, err
	}
	if number <= 0 {
		return 0, fmt.Errorf("github: pull request number is required")
	}

	endpoint := fmt.Sprintf("%s/repos/%s/pulls/%d/reviews", c.baseURL, repo, number)
	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return 0, err
	}

	var reviews []review
	if err := json.Unmarshal(payload, &reviews); err != nil {
		return 0, fmt.Errorf("github: decode reviews response: %w", err)
	}

	cycles := 0
	for _, r := range reviews {
		if strings.EqualFold(strings.TrimSpace(r.State), "CHANGES_REQUESTED") {
			cycles++
		}
	}
	return cycles, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	requestCtx := ctx
	cancel := func() {}
	if c.requestTimeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("github: read response: %w", readErr)
	}
	if int64(len(body)) > maxResponseBytes {
		return nil, fmt.Errorf("github: response exceeds %d bytes", maxResponseBytes)
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("github: endpoint returned status %d", res.StatusCode)
	}
	return body, nil
}

func repoFromExternalKey(externalKey string) (string, error) {
	repo := strings.TrimSpace(externalKey)
	if idx := strings.Index(repo, "#"); idx >= 0 {
		repo = repo[:idx]
	}
	if repo == "" || !strings.Contains(repo, "/") {
		return "", fmt.Errorf("github: external key %q does not name an owner/repo", externalKey)
	}
	return repo, nil
}

var _ core.PlatformClient = (*Client)(nil)
