package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/yairfalse/esiwatch/internal/budget"
)

const (
	DefaultBaseURL   = "https://esi.evetech.net/latest"
	DefaultUserAgent = "esiwatch/0.1"
	maxBodyBytes     = 8 << 20
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is the HTTP Requester. Every response's budget headers are fed to
// the shared tracker, and a request issued while the budget is throttled
// waits for the reset before it is sent.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	budget    *budget.Tracker
	logger    zerolog.Logger
}

// NewClient creates a client. tracker is required.
func NewClient(cfg ClientConfig, tracker *budget.Tracker, logger zerolog.Logger) (*Client, error) {
	if tracker == nil {
		return nil, fmt.Errorf("esi client: budget tracker is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		budget:    tracker,
		logger:    logger.With().Str("component", "esi").Logger(),
	}, nil
}

// Do performs a GET for req.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	target, err := req.Resource.URL(c.baseURL, req.Params)
	if err != nil {
		return nil, err
	}

	if err := c.waitForBudget(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.Token != nil {
		req.Token.SetAuthHeader(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Resource.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", req.Resource.Name, err)
	}

	if healthy, ok := c.budget.RecordHeaders(resp.Header); ok && !healthy {
		c.logger.Warn().
			Str("resource", req.Resource.Name).
			Str("remaining", resp.Header.Get(budget.HeaderRemaining)).
			Msg("error budget below threshold")
	}

	result := &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		ETag:   resp.Header.Get("ETag"),
	}
	if exp := resp.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			result.Expires = t
		}
	}
	if result.OK() {
		result.Data = body
	} else if !result.NotModified() {
		result.ErrorMessage = errorMessage(body)
	}

	return result, nil
}

func (c *Client) waitForBudget(ctx context.Context) error {
	if !c.budget.IsThrottled() {
		return nil
	}
	wait := time.Until(c.budget.ResetTime())
	if wait <= 0 {
		return nil
	}

	c.logger.Warn().Dur("wait", wait).Msg("error budget throttled, delaying request")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
