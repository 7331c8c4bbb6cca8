package domain

import "time"

// FreshnessState classifies a single target's latest snapshot age.
type FreshnessState string

const (
	FreshnessFresh   FreshnessState = "FRESH"
	FreshnessStale   FreshnessState = "STALE"
	FreshnessMissing FreshnessState = "MISSING"
)

// ProjectFreshnessState is the roll-up across a project's targets.
type ProjectFreshnessState string

const (
	ProjectFresh       ProjectFreshnessState = "FRESH"
	ProjectStale       ProjectFreshnessState = "STALE"
	ProjectMissingData ProjectFreshnessState = "MISSING_DATA"
	ProjectMixed       ProjectFreshnessState = "MIXED"
)

// WorkPriority orders work items. HIGH items dispatch before MEDIUM, MEDIUM
// before LOW; FIFO within a priority.
type WorkPriority int

const (
	WorkPriorityHigh WorkPriority = iota
	WorkPriorityMedium
	WorkPriorityLow
)

func (p WorkPriority) String() string {
	switch p {
	case WorkPriorityHigh:
		return "HIGH"
	case WorkPriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// TargetFreshness is the per-target classification result.
type TargetFreshness struct {
	TargetID      string         `json:"target_id"`
	Kind          TargetKind     `json:"kind"`
	Name          string         `json:"name"`
	URL           string         `json:"url"`
	State         FreshnessState `json:"state"`
	AgeDays       float64        `json:"age_days"`
	LastCaptured  *time.Time     `json:"last_captured,omitempty"`
	NeedsScraping bool           `json:"needs_scraping"`
	Priority      WorkPriority   `json:"priority"`
}

// ProjectFreshness aggregates target freshness for a project.
type ProjectFreshness struct {
	ProjectID   string                `json:"project_id"`
	Overall     ProjectFreshnessState `json:"overall"`
	Targets     []TargetFreshness     `json:"targets"`
	StaleCount  int                   `json:"stale_count"`
	FreshCount  int                   `json:"fresh_count"`
	MissingData int                   `json:"missing_count"`
	Actions     []string              `json:"recommended_actions,omitempty"`
	EvaluatedAt time.Time             `json:"evaluated_at"`
}

// WorkItem is one transient unit of scraping work. Not persisted.
type WorkItem struct {
	TargetKind    TargetKind   `json:"target_kind"`
	TargetID      string       `json:"target_id"`
	ProjectID     string       `json:"project_id"`
	Reason        string       `json:"reason"`
	Priority      WorkPriority `json:"priority"`
	URL           string       `json:"url"`
	CorrelationID string       `json:"correlation_id"`
}

// TaskResult is the per-item outcome of a scheduler batch.
type TaskResult struct {
	TaskType      TargetKind    `json:"task_type"`
	TargetID      string        `json:"target_id"`
	Success       bool          `json:"success"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	Duration      time.Duration `json:"duration_ms"`
	CorrelationID string        `json:"correlation_id"`
}

// TriggerResult is the overall outcome of Scheduler.CheckAndTrigger.
type TriggerResult struct {
	Triggered     bool         `json:"triggered"`
	TasksExecuted int          `json:"tasks_executed"`
	Results       []TaskResult `json:"results"`
}

// ClassifyFreshness applies the age rules to a snapshot age. A missing
// snapshot (lastCaptured nil) is MISSING and always HIGH priority. A target
// is FRESH iff its age is within freshThreshold; beyond highPriorityAge the
// work priority escalates to HIGH, otherwise stale work is MEDIUM.
func ClassifyFreshness(lastCaptured *time.Time, now time.Time, freshThreshold, highPriorityAge time.Duration) (FreshnessState, WorkPriority, float64) {
	if lastCaptured == nil {
		return FreshnessMissing, WorkPriorityHigh, -1
	}
	age := now.Sub(*lastCaptured)
	ageDays := age.Hours() / 24
	if age <= freshThreshold {
		return FreshnessFresh, WorkPriorityLow, ageDays
	}
	if age > highPriorityAge {
		return FreshnessStale, WorkPriorityHigh, ageDays
	}
	return FreshnessStale, WorkPriorityMedium, ageDays
}

// RollUpFreshness derives the project-wide state from per-target states.
func RollUpFreshness(targets []TargetFreshness) ProjectFreshnessState {
	if len(targets) == 0 {
		return ProjectMissingData
	}
	var fresh, stale, missing int
	for _, t := range targets {
		switch t.State {
		case FreshnessFresh:
			fresh++
		case FreshnessStale:
			stale++
		case FreshnessMissing:
			missing++
		}
	}
	switch {
	case missing == len(targets):
		return ProjectMissingData
	case fresh == len(targets):
		return ProjectFresh
	case fresh == 0 && missing == 0:
		return ProjectStale
	default:
		return ProjectMixed
	}
}
