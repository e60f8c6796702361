package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Transitioner applies the poll-driven terminal transitions.
type Transitioner interface {
	MarkCompleted(ctx context.Context, id, code, message string) (*domain.Verification, error)
	MarkFailedOrExpired(ctx context.Context, id string, reason domain.FailureReason) (*domain.Verification, error)
}

// PendingLister lists verifications still waiting for a message.
type PendingLister interface {
	ListPending(ctx context.Context) ([]*domain.Verification, error)
}

// PollerConfig holds the scheduler timings.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"POLL_INTERVAL"`
	Ceiling  time.Duration `mapstructure:"POLL_CEILING"`
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 600 * time.Second
	}
	return c
}

// PollSession is the live record of one poll loop. The ceiling is measured from StartedAt.
type PollSession struct {
	VerificationID string
	ReservationID  string
	StartedAt      time.Time
	Attempts       int

	cancel context.CancelFunc
}

// PollScheduler runs at most one poll loop per verification id.
type PollScheduler struct {
	provider    domain.ReservationProvider
	transitions Transitioner
	logger      *slog.Logger
	cfg         PollerConfig

	now  func() time.Time
	tick func(d time.Duration) (<-chan time.Time, func())

	mu       sync.Mutex
	base     context.Context
	stopAll  context.CancelFunc
	closed   bool
	sessions map[string]*PollSession
	wg       sync.WaitGroup
}

func NewPollScheduler(provider domain.ReservationProvider, transitions Transitioner, logger *slog.Logger, cfg PollerConfig) *PollScheduler {
	base, stopAll := context.WithCancel(context.Background())
	return &PollScheduler{
		provider:    provider,
		transitions: transitions,
		logger:      logger.With("component", "poll_scheduler"),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		base:     base,
		stopAll:  stopAll,
		sessions: make(map[string]*PollSession),
	}
}

// Start launches the poll loop for v. It returns false, doing nothing, when a session for v already exists,
// v is not pending, or the scheduler is shut down.
func (p *PollScheduler) Start(v domain.Verification) bool {
	if v.Status != domain.StatusPending {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.sessions[v.ID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(p.base)
	sess := &PollSession{
		VerificationID: v.ID,
		ReservationID:  v.ProviderReservationID,
		StartedAt:      p.now(),
		cancel:         cancel,
	}
	p.sessions[v.ID] = sess
	pollSessionsActive.Inc()

	p.wg.Add(1)
	go p.run(ctx, sess)

	p.logger.Info("Poll session started", "verification_id", v.ID, "reservation_id", v.ProviderReservationID)
	return true
}

// Stop cancels the session for id. It does not wait for the loop to exit.
func (p *PollScheduler) Stop(id string) bool {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if ok {
		p.removeLocked(sess)
	}
	p.mu.Unlock()
	if ok {
		sess.cancel()
	}
	return ok
}

// Active reports whether a session for id is running.
func (p *PollScheduler) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// Sessions returns the number of running sessions.
func (p *PollScheduler) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session returns a copy of the session for id.
func (p *PollScheduler) Session(id string) (PollSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return PollSession{}, false
	}
	cp := *sess
	cp.cancel = nil
	return cp, true
}

// Shutdown cancels every session and waits for the loops to exit. Start is refused afterwards.
func (p *PollScheduler) Shutdown() {
	p.mu.Lock()
	p.closed = true
	for _, sess := range p.sessions {
		p.removeLocked(sess)
	}
	p.mu.Unlock()

	p.stopAll()
	p.wg.Wait()
	p.logger.Info("Poll scheduler stopped")
}

// ResumePending starts a session for every pending verification, each with a fresh ceiling.
func (p *PollScheduler) ResumePending(ctx context.Context, source PendingLister) (int, error) {
	pending, err := source.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, v := range pending {
		if p.Start(*v) {
			started++
		}
	}
	p.logger.InfoContext(ctx, "Resumed pending verifications", "pending", len(pending), "started", started)
	return started, nil
}

// removeLocked must be called with mu held.
func (p *PollScheduler) removeLocked(sess *PollSession) {
	if cur, ok := p.sessions[sess.VerificationID]; ok && cur == sess {
		delete(p.sessions, sess.VerificationID)
		pollSessionsActive.Dec()
	}
}

func (p *PollScheduler) run(ctx context.Context, sess *PollSession) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.removeLocked(sess)
		p.mu.Unlock()
		sess.cancel()
	}()

	ticks, stop := p.tick(p.cfg.Interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if p.poll(ctx, sess) {
				return
			}
		}
	}
}

// poll runs one tick and reports whether the session is finished.
func (p *PollScheduler) poll(ctx context.Context, sess *PollSession) bool {
	p.mu.Lock()
	sess.Attempts++
	attempt := sess.Attempts
	p.mu.Unlock()

	id := sess.VerificationID
	res, err := p.provider.FetchMessages(ctx, sess.ReservationID)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		pollTicksTotal.WithLabelValues("error").Inc()
		p.logger.WarnContext(ctx, "Poll failed, retrying next tick", "verification_id", id, "attempt", attempt, "error", err)

	case res.Outcome == domain.PollMessage:
		pollTicksTotal.WithLabelValues("message").Inc()
		body, code := pickMessage(res.Messages)
		if _, err := p.transitions.MarkCompleted(ctx, id, code, body); err != nil {
			p.logger.ErrorContext(ctx, "Failed to complete verification", "verification_id", id, "error", err)
			return ctx.Err() != nil
		}
		return true

	case res.Outcome == domain.PollTerminal:
		pollTicksTotal.WithLabelValues("terminal").Inc()
		reason := domain.ReasonForUpstreamState(res.State)
		p.logger.InfoContext(ctx, "Upstream reported terminal state", "verification_id", id, "upstream_state", res.State)
		if _, err := p.transitions.MarkFailedOrExpired(ctx, id, reason); err != nil {
			p.logger.ErrorContext(ctx, "Failed to mirror upstream state", "verification_id", id, "reason", reason, "error", err)
			return ctx.Err() != nil
		}
		return true

	default:
		pollTicksTotal.WithLabelValues("empty").Inc()
	}

	if p.now().Sub(sess.StartedAt) >= p.cfg.Ceiling {
		pollTicksTotal.WithLabelValues("timeout").Inc()
		p.logger.InfoContext(ctx, "Poll ceiling reached", "verification_id", id, "attempts", attempt, "error", domain.ErrTimeoutExceeded)
		if _, err := p.transitions.MarkFailedOrExpired(ctx, id, domain.ReasonTimeout); err != nil {
			p.logger.ErrorContext(ctx, "Failed to time out verification", "verification_id", id, "error", err)
			return ctx.Err() != nil
		}
		return true
	}
	return false
}

// pickMessage prefers the first message carrying a code.
func pickMessage(msgs []domain.InboundMessage) (body, code string) {
	for _, m := range msgs {
		if c := ExtractCode(m.Body); c != "" {
			return m.Body, c
		}
	}
	return msgs[0].Body, ""
}
