package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
	"github.com/aradsms/verification_gateway/internal/verification_service/repository/memory"
)

// --- Mocks ---

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateReservation(ctx context.Context, req domain.ReservationRequest) (*domain.Reservation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockProvider) FetchMessages(ctx context.Context, reservationID string) (*domain.PollResult, error) {
	args := m.Called(ctx, reservationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PollResult), args.Error(1)
}

func (m *MockProvider) CancelReservation(ctx context.Context, reservationID string) error {
	args := m.Called(ctx, reservationID)
	return args.Error(0)
}

type MockPoller struct {
	mock.Mock
}

func (m *MockPoller) Start(v domain.Verification) bool {
	args := m.Called(v.ID)
	return args.Bool(0)
}

func (m *MockPoller) Stop(id string) bool {
	args := m.Called(id)
	return args.Bool(0)
}

// recordingPublisher keeps every event it is asked to deliver.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Send(_ context.Context, ownerID string, ev domain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingPublisher) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Test Setup ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serviceTestComponents struct {
	svc      *VerificationService
	store    *memory.Store
	provider *MockProvider
	events   *recordingPublisher
	clock    *fakeClock
}

func setupServiceTest(balance decimal.Decimal, freeQuota int) serviceTestComponents {
	store := memory.NewStore()
	store.SetAccount("owner-1", balance, freeQuota)
	provider := new(MockProvider)
	events := &recordingPublisher{}
	clock := newFakeClock()
	pricer, _ := NewStaticPricer("1.00", map[string]string{"telegram": "2.50", "telegram:voice": "4.00"})

	svc := NewVerificationService(store, provider, pricer, events, discardLogger())
	svc.now = clock.Now

	return serviceTestComponents{svc: svc, store: store, provider: provider, events: events, clock: clock}
}

func (c serviceTestComponents) createPending(t *testing.T, reservationID string) *domain.Verification {
	t.Helper()
	c.provider.On("CreateReservation", mock.Anything, mock.MatchedBy(func(r domain.ReservationRequest) bool { return r.ServiceName == "telegram" })).
		Return(&domain.Reservation{ID: reservationID, PhoneNumber: "+15550100"}, nil).Once()
	v, err := c.svc.Create(context.Background(), "owner-1", CreateRequest{ServiceName: "telegram", Capability: domain.CapabilitySMS})
	require.NoError(t, err)
	return v
}

// manualTicker replaces the scheduler ticker with a channel the test drives.
// The channel is unbuffered, so a completed Fire means the previous poll has finished.
type manualTicker struct {
	ch chan time.Time
}

func manualTicks(p *PollScheduler) *manualTicker {
	m := &manualTicker{ch: make(chan time.Time)}
	p.tick = func(time.Duration) (<-chan time.Time, func()) { return m.ch, func() {} }
	return m
}

// Fire delivers one tick. It reports false when no loop picked it up in time.
func (m *manualTicker) Fire() bool {
	select {
	case m.ch <- time.Now():
		return true
	case <-time.After(time.Second):
		return false
	}
}
