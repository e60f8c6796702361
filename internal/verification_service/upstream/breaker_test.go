package upstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	set := NewBreakerSet(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: recovery})
	set.now = clock.Now
	return set.Get("verification-provider"), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)

	require.NoError(t, b.Allow())
	b.Failure()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)

	err := b.Allow()
	var openErr *domain.CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "verification-provider", openErr.Upstream)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	require.Error(t, b.Allow())

	clock.Advance(59 * time.Second)
	require.Error(t, b.Allow(), "still inside recovery timeout")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow(), "first call after recovery is the trial")
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)

	err := b.Allow()
	var openErr *domain.CircuitOpenError
	assert.True(t, errors.As(err, &openErr), "second call during the trial is rejected")

	b.Success()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
}

func TestBreaker_FailedTrialReopensWithFreshTimestamp(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	firstOpened := *b.Snapshot().OpenedAt

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Allow())
	b.Failure()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt)
	assert.True(t, snap.OpenedAt.After(firstOpened))
	assert.Error(t, b.Allow())
}

func TestBreaker_ReleaseFreesTrialSlot(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Release()
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	assert.NoError(t, b.Allow(), "released trial slot can be taken again")
}

func TestBreaker_ConcurrentTrialAdmitsOne(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestBreakerSet_NotifiesObservers(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	clock := newFakeClock()
	set.now = clock.Now

	type transition struct {
		name     string
		from, to State
	}
	var got []transition
	set.OnStateChange(func(name string, from, to State) {
		got = append(got, transition{name, from, to})
	})

	b := set.Get("payment-provider")
	require.NoError(t, b.Allow())
	b.Failure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, []transition{
		{"payment-provider", StateClosed, StateOpen},
		{"payment-provider", StateOpen, StateHalfOpen},
		{"payment-provider", StateHalfOpen, StateClosed},
	}, got)
	assert.Len(t, set.Snapshot(), 1)
}
