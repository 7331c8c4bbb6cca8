package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAdmissionDenied    = errors.New("admission denied")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrScrapeFailed       = errors.New("scrape failed")
	ErrContentInvalid     = errors.New("content invalid")
	ErrPersistence        = errors.New("persistence failure")
	ErrBackendUnavailable = errors.New("analysis backend unavailable")
	ErrQualityValidation  = errors.New("analysis quality validation failed")
	ErrJobTimeout         = errors.New("job timeout")
	ErrInternal           = errors.New("internal error")
)

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectInactive ProjectStatus = "INACTIVE"
)

// ProjectPriority orders projects for scheduling purposes.
type ProjectPriority string

const (
	PriorityHigh   ProjectPriority = "HIGH"
	PriorityNormal ProjectPriority = "NORMAL"
	PriorityLow    ProjectPriority = "LOW"
)

// Project is the unit of competitive monitoring. Targets (products and
// competitors) hang off it; analysis eligibility requires at least one of each.
type Project struct {
	ID        string
	Name      string
	Status    ProjectStatus
	Priority  ProjectPriority
	Schedule  *string // optional cron override for the per-project sweep
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TargetKind discriminates the two monitored target flavors.
type TargetKind string

const (
	TargetProduct    TargetKind = "product"
	TargetCompetitor TargetKind = "competitor"
)

// Target is a single monitored URL owned by a project.
type Target struct {
	ID        string
	ProjectID string
	Kind      TargetKind
	Name      string
	URL       string
	CreatedAt time.Time
}

// SnapshotMeta carries capture bookkeeping persisted atomically with the snapshot.
type SnapshotMeta struct {
	StatusCode  int
	Headers     map[string]string
	DurationMs  int64
	HTMLLength  int
	TextLength  int
	RetryCount  int
	Method      string // capture method tag, e.g. "http"
	ContentType string
}

// Snapshot is an immutable captured rendering of a target URL.
// Snapshots per target are ordered by CapturedAt descending.
type Snapshot struct {
	ID         string
	TargetID   string
	CapturedAt time.Time
	HTML       string
	Text       string
	Title      string
	Meta       SnapshotMeta
}

// JobKind enumerates what a cron job invocation does.
type JobKind string

const (
	JobScheduledReport   JobKind = "SCHEDULED_REPORT"
	JobPeriodicAnalysis  JobKind = "PERIODIC_ANALYSIS"
	JobSystemMaintenance JobKind = "SYSTEM_MAINTENANCE"
	JobFreshnessSweep    JobKind = "FRESHNESS_SWEEP"
)

// CronJob is a persisted job definition. Expression is validated before
// acceptance; Timezone defaults to UTC.
type CronJob struct {
	ID         string
	Name       string
	Expression string
	Kind       JobKind
	Active     bool
	MaxRetries int
	RetryDelay time.Duration // base delay; attempt N waits N*RetryDelay
	Timeout    time.Duration
	ProjectID  *string
	Timezone   string
	Metadata   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExecutionStatus enumerates job execution outcomes.
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "RUNNING"
	ExecSuccess ExecutionStatus = "SUCCESS"
	ExecFailed  ExecutionStatus = "FAILED"
	ExecTimeout ExecutionStatus = "TIMEOUT"
	ExecRetry   ExecutionStatus = "RETRY"
)

// JobExecution is one attempt (initial or retry) of a job invocation.
// Rows are retained bounded per job; eviction happens on insert.
type JobExecution struct {
	ID         string
	JobID      string
	StartedAt  time.Time
	EndedAt    *time.Time
	Status     ExecutionStatus
	Attempt    int
	Output     string
	Error      string
	DurationMs int64
}

// AnalysisQuality grades persisted analysis output.
type AnalysisQuality string

const (
	QualityHigh   AnalysisQuality = "HIGH"
	QualityMedium AnalysisQuality = "MEDIUM"
	QualityLow    AnalysisQuality = "LOW"
	QualityFailed AnalysisQuality = "FAILED"
)

// AnalysisType selects the prompt shape sent to the backend.
type AnalysisType string

const (
	AnalysisCompetitive   AnalysisType = "competitive"
	AnalysisTrend         AnalysisType = "trend"
	AnalysisComprehensive AnalysisType = "comprehensive"
)

// AnalysisRecord is the persisted output of one successful analysis run.
// Immutable after write; timestamps are monotonically increasing per project.
type AnalysisRecord struct {
	ID               string
	ProjectID        string
	CreatedAt        time.Time
	SnapshotIDs      []string
	Type             AnalysisType
	Output           string
	Quality          AnalysisQuality
	DurationMs       int64
	EstimatedCostUSD float64
}

// AnalysisOptions tunes one triggerAnalysis invocation.
type AnalysisOptions struct {
	ForceFreshData bool         `json:"force_fresh_data"`
	Type           AnalysisType `json:"type,omitempty"`
	Priority       string       `json:"priority,omitempty"`
	ReportTemplate string       `json:"report_template,omitempty"`
}

// MonitorStatus reports whether a project needs a new analysis and how the
// previous one went.
type MonitorStatus struct {
	ProjectID             string          `json:"project_id"`
	FreshDataDetected     bool            `json:"fresh_data_detected"`
	LastAnalysisTime      *time.Time      `json:"last_analysis_time,omitempty"`
	NeedsAnalysis         bool            `json:"needs_analysis"`
	TimeToFirstAnalysisMs *int64          `json:"time_to_first_analysis_ms,omitempty"`
	AnalysisQuality       AnalysisQuality `json:"analysis_quality,omitempty"`
}

// AnalysisResult is the outcome of one triggerAnalysis invocation.
type AnalysisResult struct {
	Success        bool          `json:"success"`
	AnalysisID     string        `json:"analysis_id,omitempty"`
	ReportID       string        `json:"report_id,omitempty"`
	ProcessingTime time.Duration `json:"processing_time_ms"`
	Error          string        `json:"error,omitempty"`
}

// ReportRequest is handed to the report queue after an analysis persists.
type ReportRequest struct {
	ReportID    string    `json:"report_id"`
	ProjectID   string    `json:"project_id"`
	AnalysisID  string    `json:"analysis_id"`
	Template    string    `json:"template"`
	Priority    string    `json:"priority"`
	RequestedAt time.Time `json:"requested_at"`
}

// Repositories (ports)

type ProjectRepository interface {
	Find(ctx Context, id string) (Project, error)
	List(ctx Context, status *ProjectStatus) ([]Project, error)
	UpdateStatus(ctx Context, id string, status ProjectStatus, metadata map[string]string) error
}

type TargetRepository interface {
	ListByProject(ctx Context, projectID string) ([]Target, error)
	FindByURL(ctx Context, url string) (Target, error)
	// CountWithoutSnapshots feeds the data-integrity health metrics.
	CountWithoutSnapshots(ctx Context) (int, error)
}

type SnapshotRepository interface {
	// Create persists the snapshot and its metadata in one transaction.
	Create(ctx Context, s Snapshot) (string, error)
	LatestByTarget(ctx Context, targetID string) (Snapshot, error)
	ListByTarget(ctx Context, targetID string, limit int) ([]Snapshot, error)
	// DeleteOlderThan keeps the newest keepN snapshots for the target.
	DeleteOlderThan(ctx Context, targetID string, keepN int) (int, error)
	CountOrphaned(ctx Context) (int, error)
}

type CronJobRepository interface {
	Upsert(ctx Context, job CronJob) (string, error)
	List(ctx Context) ([]CronJob, error)
	ListActive(ctx Context) ([]CronJob, error)
	SetActive(ctx Context, id string, active bool) error
	Delete(ctx Context, id string) error
}

type JobExecutionRepository interface {
	Append(ctx Context, e JobExecution) (string, error)
	// Complete settles a RUNNING row with its final status and timing.
	Complete(ctx Context, id string, status ExecutionStatus, output, errMsg string, endedAt time.Time, durationMs int64) error
	ListByJob(ctx Context, jobID string, limit int) ([]JobExecution, error)
	// Trim keeps the keepN most recent executions; serialized per job by the caller.
	Trim(ctx Context, jobID string, keepN int) (int, error)
	// FailRunning marks executions stuck in RUNNING as FAILED with the given
	// reason. Called once at startup to settle rows left by a crash.
	FailRunning(ctx Context, reason string) (int, error)
}

type AnalysisRepository interface {
	Create(ctx Context, r AnalysisRecord) (string, error)
	LatestByProject(ctx Context, projectID string) (AnalysisRecord, error)
	// FirstByProject feeds the time-to-first-analysis figure.
	FirstByProject(ctx Context, projectID string) (AnalysisRecord, error)
}

// ScrapeDriver (port). The driver is an external collaborator; this system
// only depends on the snapshot contract below.

type ScrapeOptions struct {
	Timeout          time.Duration
	UserAgent        string
	WaitForSelector  string
	BlockedResources []string
	Retries          int
	RetryDelay       time.Duration
}

type WebsiteSnapshot struct {
	URL           string
	Title         string
	Description   string
	HTML          string
	Text          string
	Timestamp     time.Time
	StatusCode    int
	Headers       map[string]string
	ContentLength int
	Links         []string
	Metadata      map[string]string
}

type ScrapeDriver interface {
	TakeSnapshot(ctx Context, url string, opts ScrapeOptions) (WebsiteSnapshot, error)
}

// AnalysisClient (port)

type AnalysisMessage struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

type AnalysisClient interface {
	// GenerateCompletion returns opaque text for an ordered message sequence.
	GenerateCompletion(ctx Context, messages []AnalysisMessage) (string, error)
}

// ReportQueue (port)

type ReportQueue interface {
	EnqueueReport(ctx Context, req ReportRequest) (string, error)
}

// SnapshotCache (port). Best-effort; a nil or failing cache never blocks the
// pipeline.

type CachedSnapshot struct {
	TargetID   string    `json:"target_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}

type SnapshotCache interface {
	Store(ctx Context, entry CachedSnapshot) error
	Latest(ctx Context, targetID string) (CachedSnapshot, error)
	// Clear drops all cached entries and reports how many were removed.
	Clear(ctx Context) (int, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.

type Context = context.Context
