package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

func testOptions(clock *fakeClock) Options {
	return Options{
		MaxConcurrentPerProject: 2,
		MaxGlobalConcurrent:     5,
		PerDomainThrottle:       10 * time.Second,
		PerProjectThrottle:      2 * time.Second,
		DailySnapshotLimit:      500,
		HourlySnapshotLimit:     100,
		CircuitErrorThreshold:   0.5,
		CircuitWindow:           5 * time.Second,
		CircuitRecovery:         2 * time.Second,
		CircuitHalfOpenRequests: 5,
		MaxDailyCostUSD:         50,
		MaxHourlyCostUSD:        10,
		CostPerSnapshotUSD:      0.05,
		Now:                     clock.Now,
	}
}

func admCtx(projectID, dom string) domain.AdmissionContext {
	return domain.AdmissionContext{
		ProjectID: projectID,
		Domain:    dom,
		Priority:  domain.AdmissionNormal,
		Source:    domain.SourceTest,
		RequestID: "req-" + projectID,
	}
}

func TestControllerAllowCarriesQuotaAndProjection(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)

	decision := c.Check(context.Background(), admCtx("p1", "example.com"))

	require.True(t, decision.Allowed)
	assert.Equal(t, 500, decision.QuotaRemaining.Daily)
	assert.Equal(t, 100, decision.QuotaRemaining.Hourly)
	assert.Equal(t, 5, decision.QuotaRemaining.Concurrent)
	assert.InDelta(t, 0.05, decision.CostProjection.HourlyUSD, 0.001)
	assert.InDelta(t, 0.05, decision.CostProjection.DailyUSD, 0.001)
}

func TestControllerDomainThrottleBackToBack(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)
	ctx := context.Background()

	err := c.ExecuteWithRateLimit(ctx, admCtx("p1", "example.com"), func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	err = c.ExecuteWithRateLimit(ctx, admCtx("p1", "example.com"), func(context.Context) error {
		t.Fatal("fn must not run on deny")
		return nil
	})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrAdmissionDenied)

	var admErr *domain.AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, domain.GateDomain, admErr.Decision.Gate)
	assert.Contains(t, admErr.Decision.Reason, "throttled")
	assert.Greater(t, admErr.Decision.WaitTime, time.Duration(0))

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.Circuit.SuccessCount)
	assert.Equal(t, int64(1), snap.Throttled)
}

func TestControllerCircuitTripAndRecovery(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)
	ctx := context.Background()
	scrapeErr := errors.New("connect: connection refused")

	for i := 0; i < 10; i++ {
		actx := admCtx(fmt.Sprintf("p%d", i), fmt.Sprintf("d%d.com", i))
		err := c.ExecuteWithRateLimit(ctx, actx, func(context.Context) error {
			return scrapeErr
		})
		require.ErrorIs(t, err, scrapeErr, "task %d should be admitted and fail", i)
	}

	snap := c.Snapshot()
	require.Equal(t, domain.CircuitOpened, snap.Circuit.State)
	assert.Greater(t, snap.Circuit.ErrorRate, 0.4)

	decision := c.Check(ctx, admCtx("p-next", "next.com"))
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.GateCircuit, decision.Gate)
	assert.Contains(t, decision.Reason, "Circuit breaker is open")
	assert.Greater(t, decision.WaitTime, time.Duration(0))

	clock.Advance(2 * time.Second)

	for i := 0; i < 5; i++ {
		actx := admCtx(fmt.Sprintf("r%d", i), fmt.Sprintf("r%d.com", i))
		err := c.ExecuteWithRateLimit(ctx, actx, func(context.Context) error {
			return nil
		})
		require.NoError(t, err, "half-open test %d should succeed", i+1)
	}

	assert.Equal(t, domain.CircuitClosed, c.Snapshot().Circuit.State)
}

func TestControllerCircuitDenyUnwrapsToCircuitOpen(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)

	c.TriggerCircuit("manual trip for maintenance")

	err := c.ExecuteWithRateLimit(context.Background(), admCtx("p1", "example.com"), func(context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestControllerHourlyCostCeiling(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := testOptions(clock)
	opts.MaxHourlyCostUSD = 2
	opts.CostPerSnapshotUSD = 0.1
	c := NewController(opts, nil, nil)

	c.usage.Admit(clock.Now(), 1.95)

	est := 0.2
	actx := admCtx("p1", "example.com")
	actx.EstimatedCostUSD = &est

	decision := c.Check(context.Background(), actx)
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.GateCost, decision.Gate)
	assert.Contains(t, decision.Reason, "Hourly cost limit")

	hourCost, _ := c.usage.Costs(clock.Now())
	assert.InDelta(t, 1.95, hourCost, 0.001, "deny must not increment cost")
}

func TestControllerDailyCostCeilingSuggestsTomorrow(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := testOptions(clock)
	opts.MaxHourlyCostUSD = 100
	opts.MaxDailyCostUSD = 2
	c := NewController(opts, nil, nil)

	c.usage.Admit(clock.Now(), 1.99)

	decision := c.Check(context.Background(), admCtx("p1", "example.com"))
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.GateCost, decision.Gate)
	assert.Contains(t, strings.ToLower(decision.Reason), "daily cost limit")
	assert.Contains(t, decision.Fallback, "tomorrow")
}

func TestControllerUsageLimits(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))

	t.Run("hourly limit waits until top of next hour", func(t *testing.T) {
		opts := testOptions(clock)
		opts.HourlySnapshotLimit = 3
		opts.MaxHourlyCostUSD = 1000
		opts.MaxDailyCostUSD = 1000
		c := NewController(opts, nil, nil)

		for i := 0; i < 3; i++ {
			c.usage.Admit(clock.Now(), 0.01)
		}

		decision := c.Check(context.Background(), admCtx("p1", "example.com"))
		require.False(t, decision.Allowed)
		assert.Equal(t, domain.GateUsage, decision.Gate)
		assert.Contains(t, decision.Reason, "Hourly snapshot limit")
		assert.Equal(t, 30*time.Minute, decision.WaitTime)
	})

	t.Run("daily limit checked before hourly", func(t *testing.T) {
		opts := testOptions(clock)
		opts.DailySnapshotLimit = 3
		opts.HourlySnapshotLimit = 3
		opts.MaxHourlyCostUSD = 1000
		opts.MaxDailyCostUSD = 1000
		c := NewController(opts, nil, nil)

		for i := 0; i < 3; i++ {
			c.usage.Admit(clock.Now(), 0.01)
		}

		decision := c.Check(context.Background(), admCtx("p1", "example.com"))
		require.False(t, decision.Allowed)
		assert.Contains(t, decision.Reason, "Daily snapshot limit")
	})
}

func TestControllerGateOrderCircuitFirst(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := testOptions(clock)
	opts.MaxHourlyCostUSD = 0.01
	c := NewController(opts, nil, nil)

	c.TriggerCircuit("forced open")
	c.usage.Admit(clock.Now(), 5)

	decision := c.Check(context.Background(), admCtx("p1", "example.com"))
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.GateCircuit, decision.Gate, "circuit gate must win over cost gate")
}

func TestControllerConcurrencyGate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := testOptions(clock)
	opts.MaxGlobalConcurrent = 2
	opts.MaxConcurrentPerProject = 2
	c := NewController(opts, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actx := admCtx(fmt.Sprintf("p%d", i), fmt.Sprintf("d%d.com", i))
			_ = c.ExecuteWithRateLimit(ctx, actx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}(i)
	}
	<-started
	<-started

	decision := c.Check(ctx, admCtx("p9", "d9.com"))
	require.False(t, decision.Allowed)
	assert.Equal(t, domain.GateConcurrency, decision.Gate)
	assert.Equal(t, 30*time.Second, decision.WaitTime)
	assert.Equal(t, "queue for later", decision.Fallback)

	close(release)
	wg.Wait()
	assert.Zero(t, c.global.InUse(), "all slots restored after completion")
}

func TestControllerPerProjectConcurrencyCap(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts := testOptions(clock)
	opts.MaxGlobalConcurrent = 10
	opts.MaxConcurrentPerProject = 1
	opts.PerDomainThrottle = time.Millisecond
	opts.PerProjectThrottle = time.Millisecond
	c := NewController(opts, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.ExecuteWithRateLimit(ctx, admCtx("p1", "a.com"), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	clock.Advance(time.Second)
	err := c.ExecuteWithRateLimit(ctx, admCtx("p1", "b.com"), func(context.Context) error {
		return nil
	})
	require.Error(t, err)
	var admErr *domain.AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, domain.GateConcurrency, admErr.Decision.Gate)
	assert.Contains(t, admErr.Decision.Reason, "p1")

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, c.perProj.InUse("p1"))
}

func TestControllerSlotsRestoredOnFailure(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 8; i++ {
		actx := admCtx(fmt.Sprintf("p%d", i), fmt.Sprintf("d%d.com", i))
		err := c.ExecuteWithRateLimit(ctx, actx, func(context.Context) error {
			if i%2 == 0 {
				return boom
			}
			return nil
		})
		if i%2 == 0 {
			require.ErrorIs(t, err, boom)
		} else {
			require.NoError(t, err)
		}
	}

	assert.Zero(t, c.global.InUse())
	snap := c.Snapshot()
	assert.Zero(t, snap.GlobalInFlight)
}

func TestControllerCheckFailsOpenOnPanic(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)
	c.usage = nil

	decision := c.Check(context.Background(), admCtx("p1", "example.com"))
	assert.True(t, decision.Allowed, "evaluation bugs must fail open")
}

func TestControllerReduceAndRestoreLoad(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)

	limit := c.ReduceLoad(0.8)
	assert.Equal(t, 4, limit)
	assert.Equal(t, 4, c.Snapshot().MaxGlobalInFlight)

	c.RestoreLoad()
	assert.Equal(t, 5, c.Snapshot().MaxGlobalInFlight)
}

func TestControllerClearThrottles(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)
	ctx := context.Background()

	require.NoError(t, c.ExecuteWithRateLimit(ctx, admCtx("p1", "a.com"), func(context.Context) error { return nil }))

	require.Positive(t, c.Snapshot().ActiveThrottles)
	removed := c.ClearThrottles()
	assert.Equal(t, 2, removed)
	assert.Zero(t, c.Snapshot().ActiveThrottles)

	decision := c.Check(ctx, admCtx("p1", "a.com"))
	assert.True(t, decision.Allowed, "cleared throttles admit immediately")
}

func TestControllerHealthScoreDegrades(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	c := NewController(testOptions(clock), nil, nil)

	healthy := c.Snapshot().HealthScore
	assert.Equal(t, 100, healthy)

	c.TriggerCircuit("downstream outage")
	degraded := c.Snapshot().HealthScore
	assert.Less(t, degraded, healthy)
}
