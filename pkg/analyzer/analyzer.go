// Package analyzer is a thin client for the symptom-analysis AI service. It
// forwards one request, returns one result, and deliberately does not retry:
// the caller already consumed a quota action, and a duplicate analysis is
// worth less than a clear failure.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

var (
	ErrAPIKeyRequired  = errors.New("analyzer: API key is required")
	ErrBaseURLRequired = errors.New("analyzer: base URL is required")
	ErrEmptyInput      = errors.New("analyzer: symptom description is required")
	ErrUpstream        = errors.New("analyzer: upstream analysis failed")
)

// Config configures the analysis client.
type Config struct {
	BaseURL string        `env:"ANALYZER_BASE_URL"`
	APIKey  string        `env:"ANALYZER_API_KEY"`
	Timeout time.Duration `env:"ANALYZER_TIMEOUT" envDefault:"60s"`
}

// Request is one symptom-analysis request.
type Request struct {
	Symptoms string `json:"symptoms"`
	Age      int    `json:"age,omitempty"`
	Sex      string `json:"sex,omitempty"`
}

// Result is the analysis returned by the upstream service, passed through
// verbatim.
type Result struct {
	Summary    string   `json:"summary"`
	Conditions []string `json:"conditions,omitempty"`
	Urgency    string   `json:"urgency,omitempty"`
	Disclaimer string   `json:"disclaimer,omitempty"`
}

// Client calls the upstream analysis service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates an analysis client. An optional custom http.Client can be
// supplied for tests; nil uses a default with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// Analyze submits one request and returns the upstream result.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.Symptoms == "" {
		return nil, ErrEmptyInput
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("analyzer: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyzer: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("analyzer: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrUpstream, errResp.Error)
		}
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("analyzer: parse response: %w", err)
	}
	return &result, nil
}
