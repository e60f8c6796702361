package upstream

import (
	"sort"
	"sync"
	"time"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests are rejected without a network attempt
	StateHalfOpen              // one trial request is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitState is a point-in-time copy of one breaker.
type CircuitState struct {
	Name                string
	State               State
	ConsecutiveFailures int
	OpenedAt            *time.Time
}

// BreakerConfig holds the thresholds shared by every breaker in a set.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// StateChangeFunc observes breaker transitions. It runs after the breaker's lock is released.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one logical upstream. Safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	onStateChange    StateChangeFunc
	now              func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

func newBreaker(name string, cfg BreakerConfig, onChange StateChangeFunc, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		onStateChange:    onChange,
		now:              now,
		state:            StateClosed,
	}
}

// Allow reports whether a request may be attempted. In Open state it returns a
// *domain.CircuitOpenError until the recovery timeout elapsed, then admits exactly
// one trial request. Every admitted request must be followed by Success, Failure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	var err error
	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.trialInFlight = true
		} else {
			err = &domain.CircuitOpenError{Upstream: b.name, RetryAfter: b.recoveryTimeout - elapsed}
		}
	case StateHalfOpen:
		if b.trialInFlight {
			err = &domain.CircuitOpenError{Upstream: b.name}
		} else {
			b.trialInFlight = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

// Success resets the breaker to Closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// Failure counts a failed request. A failed half-open trial re-opens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.consecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release frees an admitted request whose outcome says nothing about upstream health
// (caller cancelled, rate limited). A pending half-open trial slot becomes available again.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialInFlight = false
}

// Snapshot returns a copy of the breaker's state.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := CircuitState{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state == StateOpen || b.state == StateHalfOpen {
		openedAt := b.openedAt
		cs.OpenedAt = &openedAt
	}
	return cs
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// BreakerSet holds one breaker per upstream name, created on first use.
type BreakerSet struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	breakers  map[string]*Breaker
	observers []StateChangeFunc
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers an observer for transitions of every breaker in the set.
func (s *BreakerSet) OnStateChange(fn StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Get returns the breaker for name, creating it in Closed state if needed.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(name, s.cfg, s.dispatch, s.now)
		s.breakers[name] = b
		circuitStateGauge.WithLabelValues(name).Set(float64(StateClosed))
	}
	return b
}

func (s *BreakerSet) dispatch(name string, from, to State) {
	circuitStateGauge.WithLabelValues(name).Set(float64(to))
	s.mu.Lock()
	observers := append([]StateChangeFunc(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(name, from, to)
	}
}

// Snapshot returns every breaker's state ordered by name.
func (s *BreakerSet) Snapshot() []CircuitState {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]CircuitState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
