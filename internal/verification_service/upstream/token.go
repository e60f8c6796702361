package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Token is an upstream bearer token and the moment it stops being accepted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

func (t Token) usable(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.Sub(now) > margin
}

// Authenticator performs one credential exchange against the upstream.
type Authenticator interface {
	Authenticate(ctx context.Context) (Token, error)
}

// TokenManagerConfig tunes token caching.
type TokenManagerConfig struct {
	Upstream        string        // name reported in errors, defaults to VerificationProviderName
	SafetyMargin    time.Duration // never hand out a token closer than this to expiry
	AuthTimeout     time.Duration
	RefreshInterval time.Duration // how often Run checks the cached token
}

// TokenManager caches the upstream bearer token and refreshes it single-flight.
type TokenManager struct {
	auth   Authenticator
	cfg    TokenManagerConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cached Token
	group  singleflight.Group
}

// NewTokenManager creates a TokenManager. Zero config values fall back to defaults.
func NewTokenManager(auth Authenticator, cfg TokenManagerConfig, logger *slog.Logger) *TokenManager {
	if cfg.Upstream == "" {
		cfg.Upstream = VerificationProviderName
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 10 * time.Minute
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 15 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &TokenManager{
		auth:   auth,
		cfg:    cfg,
		logger: logger.With("component", "token_manager"),
		now:    time.Now,
	}
}

// Token returns a token with more than the safety margin left, acquiring one if needed.
// Concurrent callers that need an acquisition share a single upstream call.
func (m *TokenManager) Token(ctx context.Context, forceRefresh bool) (Token, error) {
	if !forceRefresh {
		if t, ok := m.current(); ok {
			return t, nil
		}
	}
	return m.acquire(ctx)
}

// Renew forces a refresh unless the cached token already differs from the rejected one,
// in which case another caller refreshed in the meantime and its token is reused.
func (m *TokenManager) Renew(ctx context.Context, rejected Token) (Token, error) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()
	if cached.Value != rejected.Value && cached.usable(m.now(), m.cfg.SafetyMargin) {
		return cached, nil
	}
	return m.acquire(ctx)
}

func (m *TokenManager) current() (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached, m.cached.usable(m.now(), m.cfg.SafetyMargin)
}

func (m *TokenManager) acquire(ctx context.Context) (Token, error) {
	ch := m.group.DoChan("token", func() (interface{}, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the others.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AuthTimeout)
		defer cancel()

		t, err := m.auth.Authenticate(actx)
		if err != nil {
			tokenRefreshTotal.WithLabelValues("error").Inc()
			m.logger.WarnContext(ctx, "Upstream token acquisition failed", "error", err)
			return Token{}, err
		}
		if !t.usable(m.now(), m.cfg.SafetyMargin) {
			tokenRefreshTotal.WithLabelValues("error").Inc()
			m.logger.WarnContext(ctx, "Upstream issued a token shorter-lived than the safety margin",
				"expires_at", t.ExpiresAt, "safety_margin", m.cfg.SafetyMargin)
			return Token{}, &domain.UpstreamError{
				Upstream: m.cfg.Upstream,
				Message:  fmt.Sprintf("issued token expires at %s, inside the %s safety margin", t.ExpiresAt.Format(time.RFC3339), m.cfg.SafetyMargin),
			}
		}
		m.mu.Lock()
		m.cached = t
		m.mu.Unlock()
		tokenRefreshTotal.WithLabelValues("success").Inc()
		m.logger.InfoContext(ctx, "Upstream token refreshed", "expires_at", t.ExpiresAt)
		return t, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Run keeps the cached token fresh until ctx is cancelled.
func (m *TokenManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.Token(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.WarnContext(ctx, "Background token refresh failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HTTPAuthenticator exchanges an API key and username for a bearer token.
type HTTPAuthenticator struct {
	upstream   string
	url        string
	apiKey     string
	username   string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPAuthenticator creates an authenticator posting to baseURL + "/api/pub/v2/auth".
func NewHTTPAuthenticator(upstream, baseURL, apiKey, username string, httpClient *http.Client) *HTTPAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthenticator{
		upstream:   upstream,
		url:        baseURL + "/api/pub/v2/auth",
		apiKey:     apiKey,
		username:   username,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type authResponse struct {
	Token     string     `json:"token"`
	ExpiresIn int64      `json:"expiresIn"` // seconds
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("X-API-KEY", a.apiKey)
	req.Header.Set("X-API-USERNAME", a.username)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Token{}, &domain.UpstreamError{Upstream: a.upstream, Message: "auth request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, &domain.UpstreamError{Upstream: a.upstream, StatusCode: resp.StatusCode, Message: "failed to read auth response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Token{}, &domain.AuthError{Upstream: a.upstream, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Token{}, &domain.UpstreamError{Upstream: a.upstream, StatusCode: resp.StatusCode, Message: snippet(body)}
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return Token{}, &domain.UpstreamError{Upstream: a.upstream, StatusCode: resp.StatusCode, Message: "malformed auth response", Err: err}
	}
	if ar.Token == "" {
		return Token{}, &domain.AuthError{Upstream: a.upstream, StatusCode: resp.StatusCode, Err: fmt.Errorf("empty token in auth response")}
	}

	t := Token{Value: ar.Token}
	switch {
	case ar.ExpiresAt != nil:
		t.ExpiresAt = ar.ExpiresAt.UTC()
	case ar.ExpiresIn > 0:
		t.ExpiresAt = a.now().UTC().Add(time.Duration(ar.ExpiresIn) * time.Second)
	default:
		return Token{}, &domain.UpstreamError{Upstream: a.upstream, StatusCode: resp.StatusCode, Message: "auth response carries no expiry"}
	}
	return t, nil
}
