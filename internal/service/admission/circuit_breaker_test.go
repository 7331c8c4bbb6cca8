package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(5*time.Second, 2*time.Second, 0.5, 5, clock.Now, nil)
}

func TestCircuitBreakerStaysClosedBelowMinimumSamples(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < minWindowSamples-1; i++ {
		cb.RecordFailure()
	}

	snap := cb.Snapshot()
	assert.Equal(t, domain.CircuitClosed, snap.State)
	assert.Equal(t, minWindowSamples-1, snap.ErrorCount)

	allowed, _ := cb.Allow()
	assert.True(t, allowed)
}

func TestCircuitBreakerOpensAtErrorThreshold(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}

	snap := cb.Snapshot()
	require.Equal(t, domain.CircuitOpened, snap.State)
	assert.InDelta(t, 1.0, snap.ErrorRate, 0.001)
	require.NotNil(t, snap.NextRetry)
	assert.Equal(t, clock.Now().Add(2*time.Second), *snap.NextRetry)

	allowed, wait := cb.Allow()
	assert.False(t, allowed)
	assert.Equal(t, 2*time.Second, wait)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, domain.CircuitOpened, cb.Snapshot().State)

	clock.Advance(2 * time.Second)

	for i := 0; i < 5; i++ {
		allowed, _ := cb.Allow()
		require.True(t, allowed, "half-open test %d should be admitted", i+1)
		cb.RecordSuccess()
	}

	snap := cb.Snapshot()
	assert.Equal(t, domain.CircuitClosed, snap.State)
	assert.Zero(t, snap.ErrorCount)
	assert.Empty(t, snap.TripReason)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	clock.Advance(2 * time.Second)

	allowed, _ := cb.Allow()
	require.True(t, allowed)
	cb.RecordFailure()

	snap := cb.Snapshot()
	require.Equal(t, domain.CircuitOpened, snap.State)
	require.NotNil(t, snap.NextRetry)
	assert.Equal(t, clock.Now().Add(2*time.Second), *snap.NextRetry)
}

func TestCircuitBreakerHalfOpenCapacityExhausted(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	clock.Advance(2 * time.Second)

	for i := 0; i < 5; i++ {
		allowed, _ := cb.Allow()
		require.True(t, allowed)
	}

	allowed, wait := cb.Allow()
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, wait)
}

func TestCircuitBreakerManualTripKeepsSingleRetryWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	cb.Trip("maintenance window")
	first := cb.Snapshot()
	require.Equal(t, domain.CircuitOpened, first.State)
	require.NotNil(t, first.NextRetry)

	clock.Advance(500 * time.Millisecond)
	cb.Trip("still under maintenance")

	second := cb.Snapshot()
	require.NotNil(t, second.NextRetry)
	assert.Equal(t, *first.NextRetry, *second.NextRetry)
	assert.Equal(t, "still under maintenance", second.TripReason)
}

func TestCircuitBreakerResetZeroesCounters(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	cb.Reset()

	snap := cb.Snapshot()
	assert.Equal(t, domain.CircuitClosed, snap.State)
	assert.Zero(t, snap.ErrorCount)
	assert.Zero(t, snap.TotalRequests)
	assert.Nil(t, snap.NextRetry)
	assert.Nil(t, snap.LastFailure)

	allowed, _ := cb.Allow()
	assert.True(t, allowed)
}

func TestCircuitBreakerWindowTrimsOldEvents(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb := newTestBreaker(clock)

	for i := 0; i < 9; i++ {
		cb.RecordFailure()
	}
	clock.Advance(6 * time.Second)

	cb.RecordFailure()

	snap := cb.Snapshot()
	assert.Equal(t, domain.CircuitClosed, snap.State)
	assert.Equal(t, 1, snap.TotalRequests)
}
