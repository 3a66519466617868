// Package jira talks to the Jira REST API for changelog data webhook
// payloads do not carry.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shiplog/issuesync/core"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 1 << 20 // 1 MiB
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	HTTPClient     HTTPDoer
	BaseURL        string
	Email          string
	APIToken       string
	RequestTimeout time.Duration
}

type Client struct {
	httpClient     HTTPDoer
	baseURL        string
	email          string
	apiToken       string
	requestTimeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("jira: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		email:          strings.TrimSpace(cfg.Email),
		apiToken:       strings.TrimSpace(cfg.APIToken),
		requestTimeout: requestTimeout,
	}, nil
}

type changelog struct {
	Changelog struct {
		Histories []struct {
			Items []struct {
				Field    string `json:"field"`
				ToString string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

// ReviewCycleCount counts changelog transitions into a review status. Jira
// has no review objects, so repeated entries into review are the closest
// analog to pull request review rounds.
func (c *Client) ReviewCycleCount(ctx context.Context, externalKey string, _ int) (int, error) {
	if c == nil || c.httpClient == nil {
		return 0, fmt.Errorf("jira: client is not configured")
	}
	issueKey := strings.TrimSpace(externalKey)
	if issueKey == "" {
		return 0, fmt.Errorf("jira: issue key is required")
	}

	endpoint := fmt.Sprintf("%s/rest/api/2/issue/%s?expand=changelog&fields=status",
		c.baseURL, url.PathEscape(issueKey))
	payload, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return 0, err
	}

	var decoded changelog
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return 0, fmt.Errorf("jira: decode changelog response: %w", err)
	}

	cycles := 0
	for _, history := range decoded.Changelog.Histories {
		for _, item := range history.Items {
			if !strings.EqualFold(strings.TrimSpace(item.Field), "status") {
				continue
			}
			if strings.Contains(strings.ToLower(item.ToString), "review") {
				cycles++
			}
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
	req.Header.Set("Accept", "application/json")
	if c.email != "" && c.apiToken != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.apiToken))
		req.Header.Set("Authorization", "Basic "+credentials)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("jira: read response: %w", readErr)
	}
	if int64(len(body)) > maxResponseBytes {
		return nil, fmt.Errorf("jira: response exceeds %d bytes", maxResponseBytes)
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("jira: endpoint returned status %d", res.StatusCode)
	}
	return body, nil
}

var _ core.PlatformClient = (*Client)(nil)
