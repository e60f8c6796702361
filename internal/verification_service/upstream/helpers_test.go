package upstream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// staticTokens hands out "token-<n>" where n grows with every renewal.
type staticTokens struct {
	mu      sync.Mutex
	current string
	next    []string
	renews  int
}

func (s *staticTokens) Token(ctx context.Context, forceRefresh bool) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token{Value: s.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *staticTokens) Renew(ctx context.Context, rejected Token) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renews++
	if len(s.next) > 0 {
		s.current, s.next = s.next[0], s.next[1:]
	}
	return Token{Value: s.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *staticTokens) Renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renews
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

// newTestClient registers baseURL as upstream "test" with a fake clock and recorded sleeps.
func newTestClient(baseURL string, tokens TokenSource, cfg ClientConfig, bcfg BreakerConfig) (*Client, *fakeClock, *recordedSleeps) {
	clock := newFakeClock()
	breakers := NewBreakerSet(bcfg)
	breakers.now = clock.Now
	c := NewClient(nil, breakers, cfg, discardLogger())
	sleeps := &recordedSleeps{}
	c.sleep = sleeps.sleep
	c.Register("test", Endpoint{BaseURL: baseURL, Tokens: tokens})
	return c, clock, sleeps
}
