// Package health runs the periodic multi-dimensional health evaluation and
// drives the self-healing remediations.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// AdmissionControl is the slice of the admission controller the supervisor
// inspects and remediates.
type AdmissionControl interface {
	Snapshot() domain.AdmissionSnapshot
	ClearThrottles() int
	ReduceLoad(factor float64) int
	RestoreLoad()
}

// JobMonitor is the slice of the cron engine the supervisor consumes.
type JobMonitor interface {
	PerformHealthChecks() []domain.JobHealth
}

// ResourceCleaner evicts retained rows beyond their retention bounds.
type ResourceCleaner interface {
	Cleanup(ctx context.Context) (removed int, err error)
}

// Metrics receives remediation outcomes and the overall score.
type Metrics interface {
	Remediation(action, status string)
	HealthScore(score int)
}

type nopMetrics struct{}

func (nopMetrics) Remediation(string, string) {}
func (nopMetrics) HealthScore(int)            {}

// Options tunes the supervisor sweep.
type Options struct {
	Interval         time.Duration              // default 5m
	Cooldown         time.Duration              // default 10m, per remediation action
	Enabled          []domain.RemediationAction // default CLEAR_CACHE, REDUCE_LOAD, RESOURCE_CLEANUP
	ReduceLoadFactor float64                    // default 0.8
	// ThrottleClearThreshold is the active-throttle count that triggers
	// CLEAR_CACHE. Default 25.
	ThrottleClearThreshold int

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Minute
	}
	if o.Enabled == nil {
		o.Enabled = []domain.RemediationAction{
			domain.RemediationClearCache,
			domain.RemediationReduceLoad,
			domain.RemediationCleanup,
		}
	}
	if o.ReduceLoadFactor <= 0 || o.ReduceLoadFactor >= 1 {
		o.ReduceLoadFactor = 0.8
	}
	if o.ThrottleClearThreshold <= 0 {
		o.ThrottleClearThreshold = 25
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Supervisor evaluates system health on an interval and applies enabled
// remediations, each guarded by a per-action cooldown.
type Supervisor struct {
	Admission AdmissionControl
	Jobs      JobMonitor
	Targets   domain.TargetRepository
	Snapshots domain.SnapshotRepository
	Cache     domain.SnapshotCache // optional, flushed by CLEAR_CACHE
	Cleaner   ResourceCleaner      // optional
	Metrics   Metrics
	Logger    *slog.Logger

	opts Options

	mu          sync.Mutex
	lastApplied map[domain.RemediationAction]time.Time
	loadReduced bool
	reducedAt   time.Time
	lastStatus  *domain.SystemHealthStatus
}

// New builds a Supervisor. Admission and Jobs are required; the repositories
// and cleaner are optional and simply narrow the evaluation when nil.
func New(admission AdmissionControl, jobs JobMonitor, opts Options) *Supervisor {
	return &Supervisor{
		Admission:   admission,
		Jobs:        jobs,
		Metrics:     nopMetrics{},
		opts:        opts.withDefaults(),
		lastApplied: make(map[domain.RemediationAction]time.Time),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.Sweep(ctx)
			s.logger().InfoContext(ctx, "health sweep completed",
				slog.Int("score", status.Score),
				slog.Int("issues", len(status.Issues)),
				slog.Int("remediations", len(status.Remediations)))
		}
	}
}

// Sweep runs one evaluation plus remediation pass and returns the verdict.
func (s *Supervisor) Sweep(ctx context.Context) domain.SystemHealthStatus {
	status := s.Evaluate(ctx)
	status.Remediations = s.remediate(ctx, &status)
	s.metrics().HealthScore(status.Score)

	s.mu.Lock()
	s.lastStatus = &status
	s.mu.Unlock()
	return status
}

// Status returns the most recent sweep result, or a fresh evaluation when no
// sweep has run yet.
func (s *Supervisor) Status(ctx context.Context) domain.SystemHealthStatus {
	s.mu.Lock()
	last := s.lastStatus
	s.mu.Unlock()
	if last != nil {
		return *last
	}
	return s.Evaluate(ctx)
}

// Evaluate snapshots every dimension and folds it into one scored status.
func (s *Supervisor) Evaluate(ctx context.Context) domain.SystemHealthStatus {
	now := s.opts.Now()
	status := domain.SystemHealthStatus{
		Services:  make(map[string]domain.ServiceStatus),
		CheckedAt: now,
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.evaluateAdmission(&status)
	s.evaluateJobs(&status)
	s.evaluateIntegrity(ctx, &status)

	status.Score = score(status)
	if status.Score < 20 {
		status.Actions = append(status.Actions, "consider service restart (RESTART_SERVICE raises an operational signal only)")
	}
	s.logger().DebugContext(ctx, "health evaluated",
		slog.Int("score", status.Score),
		slog.Uint64("heap_alloc_bytes", mem.HeapAlloc),
		slog.Int("goroutines", runtime.NumGoroutine()))
	return status
}

func (s *Supervisor) evaluateAdmission(status *domain.SystemHealthStatus) {
	snap := s.Admission.Snapshot()
	status.Admission = snap

	svc := domain.ServiceHealthy
	switch {
	case snap.Circuit.State == domain.CircuitOpened:
		svc = domain.ServiceCritical
		status.Issues = append(status.Issues, domain.HealthIssue{
			Severity: domain.SeverityCritical,
			Service:  "admission",
			Message:  "circuit breaker is open: " + snap.Circuit.TripReason,
		})
		status.Actions = append(status.Actions, "investigate upstream failures; reset the circuit breaker once resolved")
	case snap.HealthScore < 50:
		svc = domain.ServiceWarning
		status.Issues = append(status.Issues, domain.HealthIssue{
			Severity: domain.SeverityWarning,
			Service:  "admission",
			Message:  fmt.Sprintf("admission health score %d under pressure", snap.HealthScore),
		})
	}
	if snap.ActiveThrottles > s.opts.ThrottleClearThreshold {
		if svc == domain.ServiceHealthy {
			svc = domain.ServiceWarning
		}
		status.Issues = append(status.Issues, domain.HealthIssue{
			Severity: domain.SeverityWarning,
			Service:  "admission",
			Message:  fmt.Sprintf("%d active throttle entries", snap.ActiveThrottles),
		})
	}
	status.Services["admission"] = svc
}

func (s *Supervisor) evaluateJobs(status *domain.SystemHealthStatus) {
	if s.Jobs == nil {
		status.Services["cron"] = domain.ServiceUnknown
		return
	}
	checks := s.Jobs.PerformHealthChecks()
	status.Jobs = checks

	svc := domain.ServiceHealthy
	for _, jh := range checks {
		switch jh.Status {
		case domain.JobUnhealthy:
			svc = domain.ServiceCritical
			status.Issues = append(status.Issues, domain.HealthIssue{
				Severity: domain.SeverityCritical,
				Service:  "cron",
				Message:  fmt.Sprintf("job %s (%s) unhealthy: %d consecutive failures", jh.Name, jh.JobID, jh.ConsecutiveFailures),
			})
			status.Actions = append(status.Actions, fmt.Sprintf("inspect and resume job %s after fixing its failure cause", jh.JobID))
		case domain.JobDegraded:
			if svc == domain.ServiceHealthy {
				svc = domain.ServiceWarning
			}
			status.Issues = append(status.Issues, domain.HealthIssue{
				Severity: domain.SeverityWarning,
				Service:  "cron",
				Message:  fmt.Sprintf("job %s (%s) degraded: %v", jh.Name, jh.JobID, jh.Issues),
			})
		}
	}
	status.Services["cron"] = svc
}

func (s *Supervisor) evaluateIntegrity(ctx context.Context, status *domain.SystemHealthStatus) {
	if s.Targets == nil || s.Snapshots == nil {
		status.Services["store"] = domain.ServiceUnknown
		return
	}
	svc := domain.ServiceHealthy

	orphaned, err := s.Snapshots.CountOrphaned(ctx)
	if err != nil {
		s.logger().WarnContext(ctx, "orphaned snapshot count failed", slog.Any("error", err))
		status.Services["store"] = domain.ServiceUnknown
		return
	}
	bare, err := s.Targets.CountWithoutSnapshots(ctx)
	if err != nil {
		s.logger().WarnContext(ctx, "targets-without-snapshot count failed", slog.Any("error", err))
		status.Services["store"] = domain.ServiceUnknown
		return
	}
	status.Integrity = domain.DataIntegrity{OrphanedSnapshots: orphaned, TargetsWithoutSnapshot: bare}

	if orphaned > 0 {
		svc = domain.ServiceWarning
		status.Issues = append(status.Issues, domain.HealthIssue{
			Severity: domain.SeverityWarning,
			Service:  "store",
			Message:  fmt.Sprintf("%d orphaned snapshots", orphaned),
		})
	}
	if bare > 0 {
		status.Issues = append(status.Issues, domain.HealthIssue{
			Severity: domain.SeverityInfo,
			Service:  "store",
			Message:  fmt.Sprintf("%d targets without any snapshot", bare),
		})
	}
	status.Services["store"] = svc
}

// score weights service statuses and open issues by severity into 0..100.
func score(status domain.SystemHealthStatus) int {
	v := 100.0
	for _, svc := range status.Services {
		switch svc {
		case domain.ServiceCritical:
			v -= 30
		case domain.ServiceWarning:
			v -= 10
		case domain.ServiceUnknown:
			v -= 5
		}
	}
	for _, issue := range status.Issues {
		switch issue.Severity {
		case domain.SeverityCritical:
			v -= 15
		case domain.SeverityWarning:
			v -= 5
		case domain.SeverityInfo:
			v -= 1
		}
	}
	if v < 0 {
		v = 0
	}
	return int(v)
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) metrics() Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return nopMetrics{}
}
