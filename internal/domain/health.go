package domain

import "time"

// JobHealthStatus grades one cron job.
type JobHealthStatus string

const (
	JobHealthy   JobHealthStatus = "HEALTHY"
	JobDegraded  JobHealthStatus = "DEGRADED"
	JobUnhealthy JobHealthStatus = "UNHEALTHY"
	JobPaused    JobHealthStatus = "PAUSED"
)

// JobHealth is the per-job assessment produced by the cron engine's health
// checks and consumed by the supervisor and the management surface.
type JobHealth struct {
	JobID               string          `json:"job_id"`
	Name                string          `json:"name"`
	Kind                JobKind         `json:"kind"`
	State               string          `json:"state"`
	Status              JobHealthStatus `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastExecution       *time.Time      `json:"last_execution,omitempty"`
	LastSuccess         *time.Time      `json:"last_success,omitempty"`
	NextRun             *time.Time      `json:"next_run,omitempty"`
	WheelLive           bool            `json:"wheel_live"`
	Issues              []string        `json:"issues,omitempty"`
}

// ServiceStatus grades one subsystem in the overall health roll-up.
type ServiceStatus string

const (
	ServiceHealthy  ServiceStatus = "HEALTHY"
	ServiceWarning  ServiceStatus = "WARNING"
	ServiceCritical ServiceStatus = "CRITICAL"
	ServiceUnknown  ServiceStatus = "UNKNOWN"
)

// HealthIssueSeverity orders issues for score weighting.
type HealthIssueSeverity string

const (
	SeverityCritical HealthIssueSeverity = "critical"
	SeverityWarning  HealthIssueSeverity = "warning"
	SeverityInfo     HealthIssueSeverity = "info"
)

// HealthIssue is one open problem found by a supervisor sweep.
type HealthIssue struct {
	Severity HealthIssueSeverity `json:"severity"`
	Service  string              `json:"service"`
	Message  string              `json:"message"`
}

// SystemHealthStatus is the supervisor's aggregate verdict.
type SystemHealthStatus struct {
	Score        int                      `json:"score"`
	Services     map[string]ServiceStatus `json:"services"`
	Issues       []HealthIssue            `json:"issues,omitempty"`
	Actions      []string                 `json:"recommended_actions,omitempty"`
	Jobs         []JobHealth              `json:"jobs,omitempty"`
	Admission    AdmissionSnapshot        `json:"admission"`
	Integrity    DataIntegrity            `json:"integrity"`
	Remediations []RemediationRecord      `json:"remediations,omitempty"`
	CheckedAt    time.Time                `json:"checked_at"`
}

// DataIntegrity carries the store-level metrics of a sweep.
type DataIntegrity struct {
	OrphanedSnapshots      int `json:"orphaned_snapshots"`
	TargetsWithoutSnapshot int `json:"targets_without_snapshot"`
}

// RemediationAction names a self-healing measure.
type RemediationAction string

const (
	RemediationClearCache     RemediationAction = "CLEAR_CACHE"
	RemediationReduceLoad     RemediationAction = "REDUCE_LOAD"
	RemediationCleanup        RemediationAction = "RESOURCE_CLEANUP"
	RemediationRestartService RemediationAction = "RESTART_SERVICE"
)

// RemediationStatus is the outcome of one remediation attempt.
type RemediationStatus string

const (
	RemediationSuccess RemediationStatus = "SUCCESS"
	RemediationFailed  RemediationStatus = "FAILED"
	RemediationSkipped RemediationStatus = "SKIPPED"
)

// RemediationRecord documents one self-healing action. Disabled actions are
// recorded as FAILED with zero effectiveness rather than raised as errors.
type RemediationRecord struct {
	Action        RemediationAction `json:"action"`
	Status        RemediationStatus `json:"status"`
	Effectiveness float64           `json:"effectiveness"`
	Detail        string            `json:"detail,omitempty"`
	At            time.Time         `json:"at"`
}
