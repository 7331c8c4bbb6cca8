package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// Options configures a Controller. Zero values fall back to the defaults
// documented on each field.
type Options struct {
	MaxConcurrentPerProject int           // default 2
	MaxGlobalConcurrent     int           // default 5
	PerDomainThrottle       time.Duration // default 5s
	PerProjectThrottle      time.Duration // default 2s
	DailySnapshotLimit      int           // default 500
	HourlySnapshotLimit     int           // default 100
	CircuitErrorThreshold   float64       // default 0.5
	CircuitWindow           time.Duration // default 60s
	CircuitRecovery         time.Duration // default 30s
	CircuitHalfOpenRequests int           // default 5
	MaxDailyCostUSD         float64       // default 50
	MaxHourlyCostUSD        float64       // default 10
	CostPerSnapshotUSD      float64       // default 0.05
	CleanupInterval         time.Duration // default 1m
	ThrottleMaxIdle         time.Duration // default 1h

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentPerProject <= 0 {
		o.MaxConcurrentPerProject = 2
	}
	if o.MaxGlobalConcurrent <= 0 {
		o.MaxGlobalConcurrent = 5
	}
	if o.PerDomainThrottle <= 0 {
		o.PerDomainThrottle = 5 * time.Second
	}
	if o.PerProjectThrottle <= 0 {
		o.PerProjectThrottle = 2 * time.Second
	}
	if o.DailySnapshotLimit <= 0 {
		o.DailySnapshotLimit = 500
	}
	if o.HourlySnapshotLimit <= 0 {
		o.HourlySnapshotLimit = 100
	}
	if o.CircuitErrorThreshold <= 0 {
		o.CircuitErrorThreshold = 0.5
	}
	if o.CircuitWindow <= 0 {
		o.CircuitWindow = time.Minute
	}
	if o.CircuitRecovery <= 0 {
		o.CircuitRecovery = 30 * time.Second
	}
	if o.CircuitHalfOpenRequests <= 0 {
		o.CircuitHalfOpenRequests = 5
	}
	if o.MaxDailyCostUSD <= 0 {
		o.MaxDailyCostUSD = 50
	}
	if o.MaxHourlyCostUSD <= 0 {
		o.MaxHourlyCostUSD = 10
	}
	if o.CostPerSnapshotUSD <= 0 {
		o.CostPerSnapshotUSD = 0.05
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.ThrottleMaxIdle <= 0 {
		o.ThrottleMaxIdle = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Metrics is the sink the controller reports decisions and gauges to.
// Implementations must be safe for concurrent use.
type Metrics interface {
	Decision(gate domain.AdmissionGate, allowed bool)
	CircuitState(state domain.CircuitStateKind)
	InFlight(global int)
	Usage(hourly, daily int)
	Cost(hourlyUSD, dailyUSD float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Decision(domain.AdmissionGate, bool)  {}
func (NopMetrics) CircuitState(domain.CircuitStateKind) {}
func (NopMetrics) InFlight(int)                         {}
func (NopMetrics) Usage(int, int)                       {}
func (NopMetrics) Cost(float64, float64)                {}

// Controller applies the admission gates in a fixed total order and tracks
// the usage, cost, throttle, circuit, and concurrency state behind them.
// It performs no I/O.
type Controller struct {
	opts Options
	now  func() time.Time

	circuit   *CircuitBreaker
	domains   *throttleTable
	projects  *throttleTable
	usage     *usageWindows
	global    *slotPool
	perProj   *projectSlots
	metrics   Metrics
	logger    *slog.Logger
	allowed   atomic.Int64
	denied    atomic.Int64
	throttled atomic.Int64
}

// NewController builds a Controller with the given options.
func NewController(opts Options, metrics Metrics, logger *slog.Logger) *Controller {
	opts = opts.withDefaults()
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		opts:     opts,
		now:      opts.Now,
		domains:  newThrottleTable(),
		projects: newThrottleTable(),
		usage:    newUsageWindows(opts.Now()),
		global:   newSlotPool(opts.MaxGlobalConcurrent),
		perProj:  newProjectSlots(opts.MaxConcurrentPerProject),
		metrics:  metrics,
		logger:   logger,
	}
	c.circuit = NewCircuitBreaker(
		opts.CircuitWindow,
		opts.CircuitRecovery,
		opts.CircuitErrorThreshold,
		opts.CircuitHalfOpenRequests,
		opts.Now,
		func(state domain.CircuitStateKind) { metrics.CircuitState(state) },
	)
	return c
}

// Check applies all gates in order and returns the first failing gate's
// decision, or an allow carrying remaining quota and cost projection. It
// never returns an error: evaluation bugs default to allow with a logged
// error.
func (c *Controller) Check(ctx context.Context, actx domain.AdmissionContext) (decision domain.RateLimitDecision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("admission check panicked, failing open",
				slog.Any("panic", r),
				slog.String("project_id", actx.ProjectID),
				slog.String("request_id", actx.RequestID))
			decision = domain.RateLimitDecision{Allowed: true}
		}
		c.record(decision)
	}()

	now := c.now()

	// Gate 1: circuit breaker.
	if ok, wait := c.circuit.Allow(); !ok {
		snap := c.circuit.Snapshot()
		reason := "Circuit breaker is open"
		if snap.TripReason != "" {
			reason = fmt.Sprintf("Circuit breaker is open: %s", snap.TripReason)
		}
		if snap.State == domain.CircuitHalfOpen {
			reason = "Circuit breaker is open: half-open test capacity reached"
		}
		return c.deny(domain.GateCircuit, reason, wait, "use cached snapshot data if available")
	}

	// Gate 2: cost ceilings, hourly before daily.
	estimated := c.opts.CostPerSnapshotUSD
	if actx.EstimatedCostUSD != nil {
		estimated = *actx.EstimatedCostUSD
	}
	hourCost, dayCost := c.usage.Costs(now)
	projHourly := hourCost + estimated
	projDaily := dayCost + estimated
	if projHourly > c.opts.MaxHourlyCostUSD {
		reason := fmt.Sprintf("Hourly cost limit exceeded: projected $%.2f over hourly cost limit $%.2f", projHourly, c.opts.MaxHourlyCostUSD)
		return c.deny(domain.GateCost, reason, c.usage.UntilNextHour(now), "")
	}
	if projDaily > c.opts.MaxDailyCostUSD {
		reason := fmt.Sprintf("Daily cost limit exceeded: projected $%.2f over daily cost limit $%.2f", projDaily, c.opts.MaxDailyCostUSD)
		return c.deny(domain.GateCost, reason, c.usage.UntilNextDay(now), "retry tomorrow after the daily window resets")
	}

	// Gate 3: usage counters, daily before hourly.
	hourCount, dayCount := c.usage.Counts(now)
	if dayCount >= c.opts.DailySnapshotLimit {
		reason := fmt.Sprintf("Daily snapshot limit reached (%d/%d)", dayCount, c.opts.DailySnapshotLimit)
		return c.deny(domain.GateUsage, reason, c.usage.UntilNextDay(now), "retry tomorrow after the daily window resets")
	}
	if hourCount >= c.opts.HourlySnapshotLimit {
		reason := fmt.Sprintf("Hourly snapshot limit reached (%d/%d)", hourCount, c.opts.HourlySnapshotLimit)
		return c.deny(domain.GateUsage, reason, c.usage.UntilNextHour(now), "")
	}

	// Gate 4: per-domain throttle.
	if wait := c.domains.Wait(actx.Domain, now); wait > 0 {
		reason := fmt.Sprintf("Domain %s is throttled", actx.Domain)
		return c.deny(domain.GateDomain, reason, wait, "")
	}

	// Gate 5: per-project throttle.
	if wait := c.projects.Wait(actx.ProjectID, now); wait > 0 {
		reason := fmt.Sprintf("Project %s is throttled", actx.ProjectID)
		return c.deny(domain.GateProject, reason, wait, "")
	}

	// Gate 6: global concurrency.
	if c.global.InUse() >= c.global.Limit() {
		return c.deny(domain.GateConcurrency, "Global concurrency limit reached", 30*time.Second, "queue for later")
	}

	return domain.RateLimitDecision{
		Allowed: true,
		QuotaRemaining: domain.QuotaRemaining{
			Daily:      c.opts.DailySnapshotLimit - dayCount,
			Hourly:     c.opts.HourlySnapshotLimit - hourCount,
			Concurrent: c.global.Limit() - c.global.InUse(),
		},
		CostProjection: domain.CostProjection{HourlyUSD: projHourly, DailyUSD: projDaily},
	}
}

// ExecuteWithRateLimit runs fn under the admission gates. A deny returns a
// *domain.AdmissionError without running fn. On admit it holds one global
// and one per-project slot for the duration of fn, spaces future requests
// to the same domain and project, counts usage and cost, and records the
// outcome in the circuit. fn errors propagate unchanged after bookkeeping.
func (c *Controller) ExecuteWithRateLimit(ctx context.Context, actx domain.AdmissionContext, fn func(context.Context) error) error {
	decision := c.Check(ctx, actx)
	if !decision.Allowed {
		return &domain.AdmissionError{Decision: decision}
	}

	if !c.global.TryAcquire() {
		d := c.deny(domain.GateConcurrency, "Global concurrency limit reached", 30*time.Second, "queue for later")
		c.record(d)
		return &domain.AdmissionError{Decision: d}
	}
	if !c.perProj.TryAcquire(actx.ProjectID) {
		c.global.Release()
		reason := fmt.Sprintf("Project %s concurrency limit reached", actx.ProjectID)
		d := c.deny(domain.GateConcurrency, reason, 30*time.Second, "queue for later")
		c.record(d)
		return &domain.AdmissionError{Decision: d}
	}
	defer func() {
		c.perProj.Release(actx.ProjectID)
		c.global.Release()
		c.metrics.InFlight(c.global.InUse())
	}()
	c.metrics.InFlight(c.global.InUse())

	now := c.now()
	c.domains.Touch(actx.Domain, now, c.opts.PerDomainThrottle)
	c.projects.Touch(actx.ProjectID, now, c.opts.PerProjectThrottle)

	estimated := c.opts.CostPerSnapshotUSD
	if actx.EstimatedCostUSD != nil {
		estimated = *actx.EstimatedCostUSD
	}
	c.usage.Admit(now, estimated)
	hourCount, dayCount := c.usage.Counts(now)
	hourCost, dayCost := c.usage.Costs(now)
	c.metrics.Usage(hourCount, dayCount)
	c.metrics.Cost(hourCost, dayCost)

	if err := fn(ctx); err != nil {
		c.circuit.RecordFailure()
		return err
	}
	c.circuit.RecordSuccess()
	return nil
}

// TriggerCircuit forces the breaker open. Safe to call repeatedly.
func (c *Controller) TriggerCircuit(reason string) {
	c.circuit.Trip(reason)
}

// ResetCircuit forces the breaker closed with zeroed counters.
func (c *Controller) ResetCircuit() {
	c.circuit.Reset()
}

// ClearThrottles drops every throttle entry and reports how many were
// removed. Used by the CLEAR_CACHE remediation.
func (c *Controller) ClearThrottles() int {
	return c.domains.Clear() + c.projects.Clear()
}

// ReduceLoad shrinks global concurrency to factor of its baseline and
// returns the new limit. Used by the REDUCE_LOAD remediation.
func (c *Controller) ReduceLoad(factor float64) int {
	limit := c.global.Scale(factor)
	c.logger.Warn("global concurrency reduced",
		slog.Float64("factor", factor),
		slog.Int("new_limit", limit))
	return limit
}

// RestoreLoad returns global concurrency to its configured baseline.
func (c *Controller) RestoreLoad() {
	c.global.Restore()
	c.logger.Info("global concurrency restored",
		slog.Int("limit", c.global.Limit()))
}

// ThrottleEntries exposes the current throttle tables for the metrics
// surface. Domain keys and project keys are returned separately.
func (c *Controller) ThrottleEntries() (domains, projects []domain.ThrottleEntry) {
	now := c.now()
	return c.domains.Entries(now), c.projects.Entries(now)
}

// Snapshot returns an internally consistent view of controller state.
func (c *Controller) Snapshot() domain.AdmissionSnapshot {
	now := c.now()
	hourCount, dayCount := c.usage.Counts(now)
	hourCost, dayCost := c.usage.Costs(now)
	snap := domain.AdmissionSnapshot{
		Circuit:           c.circuit.Snapshot(),
		DailyUsed:         dayCount,
		HourlyUsed:        hourCount,
		DailyLimit:        c.opts.DailySnapshotLimit,
		HourlyLimit:       c.opts.HourlySnapshotLimit,
		HourlyCostUSD:     hourCost,
		DailyCostUSD:      dayCost,
		GlobalInFlight:    c.global.InUse(),
		MaxGlobalInFlight: c.global.Limit(),
		ActiveThrottles:   c.domains.ActiveCount(now) + c.projects.ActiveCount(now),
		Allowed:           c.allowed.Load(),
		Denied:            c.denied.Load(),
		Throttled:         c.throttled.Load(),
	}
	snap.HealthScore = c.healthScore(snap)
	return snap
}

// RunMaintenance evicts idle throttle entries and refreshes gauges until
// ctx is cancelled. Run it in its own goroutine.
func (c *Controller) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			removed := c.domains.CleanupExpired(now, c.opts.ThrottleMaxIdle) +
				c.projects.CleanupExpired(now, c.opts.ThrottleMaxIdle)
			if removed > 0 {
				c.logger.Debug("expired throttle entries removed", slog.Int("count", removed))
			}
			hourCount, dayCount := c.usage.Counts(now)
			hourCost, dayCost := c.usage.Costs(now)
			c.metrics.Usage(hourCount, dayCount)
			c.metrics.Cost(hourCost, dayCost)
			c.metrics.InFlight(c.global.InUse())
		}
	}
}

// healthScore folds deny pressure, throttling, cost utilisation, and circuit
// state into a 0..100 score.
func (c *Controller) healthScore(snap domain.AdmissionSnapshot) int {
	score := 100.0

	total := snap.Allowed + snap.Denied
	if total > 0 {
		score -= 40 * float64(snap.Denied) / float64(total)
	}
	if total > 0 {
		score -= 10 * float64(snap.Throttled) / float64(total)
	}
	if c.opts.MaxHourlyCostUSD > 0 {
		util := snap.HourlyCostUSD / c.opts.MaxHourlyCostUSD
		if util > 1 {
			util = 1
		}
		score -= 20 * util
	}
	switch snap.Circuit.State {
	case domain.CircuitOpened:
		score -= 30
	case domain.CircuitHalfOpen:
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	return int(score)
}

func (c *Controller) deny(gate domain.AdmissionGate, reason string, wait time.Duration, fallback string) domain.RateLimitDecision {
	return domain.RateLimitDecision{
		Allowed:  false,
		Gate:     gate,
		Reason:   reason,
		WaitTime: wait,
		Fallback: fallback,
	}
}

func (c *Controller) record(d domain.RateLimitDecision) {
	if d.Allowed {
		c.allowed.Add(1)
		c.metrics.Decision(domain.GateNone, true)
		return
	}
	c.denied.Add(1)
	if d.Gate == domain.GateDomain || d.Gate == domain.GateProject {
		c.throttled.Add(1)
	}
	c.metrics.Decision(d.Gate, false)
	c.logger.Debug("admission denied",
		slog.String("gate", string(d.Gate)),
		slog.String("reason", d.Reason),
		slog.Duration("wait", d.WaitTime))
}
