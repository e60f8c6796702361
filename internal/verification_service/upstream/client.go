package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Operation is a pure description of one upstream request.
type Operation struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
}

// Result is a successful (2xx) upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// TokenSource supplies bearer tokens for an upstream.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (Token, error)
	Renew(ctx context.Context, rejected Token) (Token, error)
}

// Endpoint is where an upstream lives and how to authenticate against it.
type Endpoint struct {
	BaseURL string
	Tokens  TokenSource // nil for unauthenticated upstreams
}

// ClientConfig controls retry behaviour.
type ClientConfig struct {
	MaxAttempts          int           // attempts for transport errors and 5xx
	BaseBackoff          time.Duration // backoff = BaseBackoff * 2^attempt
	MaxBackoff           time.Duration
	MaxRateLimitRetries  int           // 429 waits per call
	DefaultRateLimitWait time.Duration // used when Retry-After is absent
	MaxRateLimitWait     time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 3
	}
	if c.DefaultRateLimitWait <= 0 {
		c.DefaultRateLimitWait = time.Second
	}
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = time.Minute
	}
	return c
}

// Client wraps every upstream call with retry/backoff and a per-upstream circuit breaker.
type Client struct {
	httpClient *http.Client
	breakers   *BreakerSet
	cfg        ClientConfig
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewClient creates a Client. Upstreams must be registered before use.
func NewClient(httpClient *http.Client, breakers *BreakerSet, cfg ClientConfig, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		breakers:   breakers,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "upstream_client"),
		sleep:      sleepContext,
		endpoints:  make(map[string]Endpoint),
	}
}

// Register makes an upstream callable under name.
func (c *Client) Register(name string, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[name] = ep
	c.breakers.Get(name)
}

// Breakers exposes the breaker set, e.g. for health reporting.
func (c *Client) Breakers() *BreakerSet {
	return c.breakers
}

// Call performs op against the named upstream.
// Errors are *domain.CircuitOpenError, *domain.AuthError, *domain.UpstreamError or the context's error.
func (c *Client) Call(ctx context.Context, upstream string, op Operation) (*Result, error) {
	c.mu.RLock()
	ep, ok := c.endpoints[upstream]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("upstream %q is not registered", upstream)
	}

	breaker := c.breakers.Get(upstream)
	if err := breaker.Allow(); err != nil {
		upstreamRequestsTotal.WithLabelValues(upstream, "circuit_open").Inc()
		c.logger.WarnContext(ctx, "Upstream call rejected by open circuit", "upstream", upstream, "path", op.Path)
		return nil, err
	}

	res, err := c.execute(ctx, upstream, ep, op)
	var upErr *domain.UpstreamError
	switch {
	case err == nil:
		breaker.Success()
		upstreamRequestsTotal.WithLabelValues(upstream, "success").Inc()
	case ctx.Err() != nil:
		breaker.Release()
		upstreamRequestsTotal.WithLabelValues(upstream, "cancelled").Inc()
	case errors.As(err, &upErr) && upErr.StatusCode == http.StatusTooManyRequests:
		breaker.Release()
		upstreamRequestsTotal.WithLabelValues(upstream, "rate_limited").Inc()
	default:
		breaker.Failure()
		upstreamRequestsTotal.WithLabelValues(upstream, "failure").Inc()
		c.logger.WarnContext(ctx, "Upstream call failed", "upstream", upstream, "method", op.Method, "path", op.Path, "error", err)
	}
	return res, err
}

func (c *Client) execute(ctx context.Context, upstream string, ep Endpoint, op Operation) (*Result, error) {
	var payload []byte
	if op.Body != nil {
		b, err := json.Marshal(op.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request for %s: %w", upstream, err)
		}
		payload = b
	}

	refreshed := false
	rateLimitWaits := 0
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; {
		var tok Token
		if ep.Tokens != nil {
			t, err := ep.Tokens.Token(ctx, false)
			if err != nil {
				return nil, err
			}
			tok = t
		}

		res, err := c.send(ctx, upstream, ep, op, payload, tok)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &domain.UpstreamError{Upstream: upstream, Message: "request failed", Err: err}
			attempt++
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return res, nil

		case res.StatusCode == http.StatusUnauthorized:
			if ep.Tokens == nil || refreshed {
				return nil, &domain.AuthError{Upstream: upstream, StatusCode: res.StatusCode, Err: errors.New(snippet(res.Body))}
			}
			refreshed = true
			c.logger.InfoContext(ctx, "Upstream rejected token, refreshing", "upstream", upstream)
			if _, err := ep.Tokens.Renew(ctx, tok); err != nil {
				return nil, err
			}

		case res.StatusCode == http.StatusTooManyRequests:
			if rateLimitWaits >= c.cfg.MaxRateLimitRetries {
				return nil, &domain.UpstreamError{Upstream: upstream, StatusCode: res.StatusCode, Message: "rate limited"}
			}
			rateLimitWaits++
			wait := c.retryAfter(res.Header)
			c.logger.InfoContext(ctx, "Upstream rate limited, waiting", "upstream", upstream, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case res.StatusCode >= 500:
			lastErr = &domain.UpstreamError{Upstream: upstream, StatusCode: res.StatusCode, Message: snippet(res.Body)}
			attempt++
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}

		default:
			return nil, &domain.UpstreamError{Upstream: upstream, StatusCode: res.StatusCode, Message: snippet(res.Body)}
		}
	}
	return nil, lastErr
}

// backoff sleeps before the next attempt; attempt is the number of attempts already spent.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	if attempt >= c.cfg.MaxAttempts || c.cfg.BaseBackoff == 0 {
		return ctx.Err()
	}
	d := c.cfg.BaseBackoff << uint(attempt-1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	return c.sleep(ctx, d)
}

func (c *Client) retryAfter(h http.Header) time.Duration {
	wait := c.cfg.DefaultRateLimitWait
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			wait = time.Until(t)
		}
	}
	if wait < 0 {
		wait = 0
	}
	if wait > c.cfg.MaxRateLimitWait {
		wait = c.cfg.MaxRateLimitWait
	}
	return wait
}

func (c *Client) send(ctx context.Context, upstream string, ep Endpoint, op Operation, payload []byte, tok Token) (*Result, error) {
	u := ep.BaseURL + op.Path
	if len(op.Query) > 0 {
		u += "?" + op.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok.Value != "" {
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}

	timer := prometheus.NewTimer(upstreamRequestDurationHist.WithLabelValues(upstream))
	resp, err := c.httpClient.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body (status %d): %w", resp.StatusCode, err)
	}
	c.logger.DebugContext(ctx, "Upstream response", "upstream", upstream, "method", op.Method, "path", op.Path, "status_code", resp.StatusCode)

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snippet keeps error bodies short enough to log.
func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
