// Package transport performs HTTP calls with bounded retry, exponential
// backoff and jitter. Each Do call is independent: no backoff or jitter
// state is carried between calls.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"time"

	"marimoguard/internal/logging"
)

// maxBodyBytes bounds how much of a response body is buffered.
const maxBodyBytes = 8 << 20

// Config controls retry behavior.
type Config struct {
	Timeout        time.Duration // Default per-attempt timeout
	MaxRetries     int           // Retries after the first attempt
	BackoffInitial time.Duration // First sleep before jitter (doubles each retry)
	BackoffMax     time.Duration // Cap on the pre-jitter sleep
	JitterMin      float64       // Lower bound of the jitter multiplier
	JitterMax      float64       // Upper bound of the jitter multiplier
	RetryStatuses  []int         // Status codes retried while attempts remain
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		BackoffInitial: 350 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		JitterMin:      1.25,
		JitterMax:      2.25,
		RetryStatuses:  []int{408, 409, 425, 429, 500, 502, 503, 504},
	}
}

// Request describes one logical call. Retries reuse it unchanged.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Params  map[string]string
	Body    any           // JSON-encoded when non-nil
	Timeout time.Duration // Overrides Config.Timeout when > 0
	// OKStatuses are returned as-is even when they would otherwise be
	// treated as failures.
	OKStatuses []int
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is the number of retries performed before this response.
	Attempts int
	Duration time.Duration
}

// JSON decodes the buffered body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Doer is satisfied by *Client and by test doubles.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client executes Requests against an http.Client.
type Client struct {
	cfg    Config
	http   *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi float64) float64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(lo, hi float64) float64) Option {
	return func(c *Client) { c.jitter = fn }
}

// New creates a Client. Zero durations, jitter bounds and a nil status set
// fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.JitterMin <= 0 || cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMin, cfg.JitterMax = def.JitterMin, def.JitterMax
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = def.RetryStatuses
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		sleep:  sleepContext,
		jitter: uniform,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective retry configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Do executes req, retrying transport failures and retryable statuses.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := buildURL(req.URL, req.Params)
	if err != nil {
		return nil, &Error{Method: req.Method, URL: req.URL, Err: err}
	}
	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Method: req.Method, URL: target, Err: fmt.Errorf("failed to marshal body: %w", err)}
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	backoff := c.cfg.BackoffInitial
	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := c.once(ctx, req, target, payload, timeout)
		elapsed := time.Since(start)

		if err != nil {
			logging.TransportWarn("%s %s attempt=%d failed after %v: %v", req.Method, target, attempt, elapsed, err)
			if ctx.Err() != nil || attempt >= c.cfg.MaxRetries {
				return nil, &Error{Method: req.Method, URL: target, Attempts: attempt, Err: err}
			}
			if err := c.backoff(ctx, &backoff); err != nil {
				return nil, &Error{Method: req.Method, URL: target, Attempts: attempt, Err: err}
			}
			continue
		}

		resp.Attempts = attempt
		resp.Duration = elapsed
		logging.TransportDebug("%s %s attempt=%d status=%d duration=%v", req.Method, target, attempt, resp.StatusCode, elapsed)

		if slices.Contains(c.cfg.RetryStatuses, resp.StatusCode) && attempt < c.cfg.MaxRetries {
			if err := c.backoff(ctx, &backoff); err != nil {
				return nil, &Error{Method: req.Method, URL: target, Attempts: attempt, Err: err}
			}
			continue
		}
		if slices.Contains(req.OKStatuses, resp.StatusCode) {
			return resp, nil
		}
		if resp.StatusCode >= 400 {
			return nil, &StatusError{
				Method:     req.Method,
				URL:        target,
				StatusCode: resp.StatusCode,
				Body:       truncate(string(resp.Body), 512),
				Attempts:   attempt,
			}
		}
		return resp, nil
	}
}

func (c *Client) once(ctx context.Context, req Request, target string, payload []byte, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}, nil
}

// backoff sleeps for the current backoff times a jitter factor, then
// doubles the backoff up to the configured cap.
func (c *Client) backoff(ctx context.Context, current *time.Duration) error {
	factor := c.jitter(c.cfg.JitterMin, c.cfg.JitterMax)
	wait := time.Duration(float64(*current) * factor)
	next := *current * 2
	if next > c.cfg.BackoffMax {
		next = c.cfg.BackoffMax
	}
	*current = next
	return c.sleep(ctx, wait)
}

func buildURL(raw string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
