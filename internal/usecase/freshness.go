// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// FreshnessService classifies snapshot staleness per target and rolls the
// result up to a project-wide state with recommended actions.
type FreshnessService struct {
	Projects  domain.ProjectRepository
	Targets   domain.TargetRepository
	Snapshots domain.SnapshotRepository

	FreshThreshold  time.Duration
	HighPriorityAge time.Duration
	Now             func() time.Time
}

// NewFreshnessService constructs a FreshnessService with its dependencies.
func NewFreshnessService(p domain.ProjectRepository, t domain.TargetRepository, s domain.SnapshotRepository, freshThreshold, highPriorityAge time.Duration) FreshnessService {
	return FreshnessService{
		Projects:        p,
		Targets:         t,
		Snapshots:       s,
		FreshThreshold:  freshThreshold,
		HighPriorityAge: highPriorityAge,
		Now:             time.Now,
	}
}

func (s FreshnessService) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// FreshnessStatus classifies every target of the project and rolls the states
// up to an overall verdict with recommended actions.
func (s FreshnessService) FreshnessStatus(ctx domain.Context, projectID string) (domain.ProjectFreshness, error) {
	targets, err := s.evaluateTargets(ctx, projectID)
	if err != nil {
		return domain.ProjectFreshness{}, err
	}

	status := domain.ProjectFreshness{
		ProjectID:   projectID,
		Overall:     domain.RollUpFreshness(targets),
		Targets:     targets,
		EvaluatedAt: s.clock(),
	}
	var highStale, mediumStale int
	for _, t := range targets {
		switch t.State {
		case domain.FreshnessFresh:
			status.FreshCount++
		case domain.FreshnessStale:
			status.StaleCount++
			if t.Priority == domain.WorkPriorityHigh {
				highStale++
			} else {
				mediumStale++
			}
		case domain.FreshnessMissing:
			status.MissingData++
		}
	}

	if status.MissingData > 0 {
		status.Actions = append(status.Actions, fmt.Sprintf("capture initial snapshots for %d target(s)", status.MissingData))
	}
	if highStale > 0 {
		status.Actions = append(status.Actions, fmt.Sprintf("schedule immediate scrape for %d overdue target(s)", highStale))
	}
	if mediumStale > 0 {
		status.Actions = append(status.Actions, fmt.Sprintf("refresh %d stale target(s)", mediumStale))
	}
	return status, nil
}

// WorkItems returns one transient work item per target that needs scraping,
// in target listing order. The Scheduler owns priority ordering.
func (s FreshnessService) WorkItems(ctx domain.Context, projectID string) ([]domain.WorkItem, error) {
	targets, err := s.evaluateTargets(ctx, projectID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.WorkItem, 0, len(targets))
	for _, t := range targets {
		if !t.NeedsScraping {
			continue
		}
		reason := "no snapshot captured yet"
		if t.State == domain.FreshnessStale {
			reason = fmt.Sprintf("snapshot is %.1f days old", t.AgeDays)
		}
		items = append(items, domain.WorkItem{
			TargetKind:    t.Kind,
			TargetID:      t.TargetID,
			ProjectID:     projectID,
			Reason:        reason,
			Priority:      t.Priority,
			URL:           t.URL,
			CorrelationID: NewCorrelationID(),
		})
	}
	return items, nil
}

func (s FreshnessService) evaluateTargets(ctx domain.Context, projectID string) ([]domain.TargetFreshness, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", domain.ErrInvalidArgument)
	}
	if _, err := s.Projects.Find(ctx, projectID); err != nil {
		return nil, err
	}
	targets, err := s.Targets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	out := make([]domain.TargetFreshness, 0, len(targets))
	for _, t := range targets {
		var lastCaptured *time.Time
		snap, err := s.Snapshots.LatestByTarget(ctx, t.ID)
		switch {
		case err == nil:
			ts := snap.CapturedAt
			lastCaptured = &ts
		case errors.Is(err, domain.ErrNotFound):
			// first contact with this target
		default:
			return nil, err
		}

		state, priority, ageDays := domain.ClassifyFreshness(lastCaptured, now, s.FreshThreshold, s.HighPriorityAge)
		out = append(out, domain.TargetFreshness{
			TargetID:      t.ID,
			Kind:          t.Kind,
			Name:          t.Name,
			URL:           t.URL,
			State:         state,
			AgeDays:       ageDays,
			LastCaptured:  lastCaptured,
			NeedsScraping: state != domain.FreshnessFresh,
			Priority:      priority,
		})
	}
	return out, nil
}

var (
	correlationMu      sync.Mutex
	correlationEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
)

// NewCorrelationID returns a sortable id that ties one work item to its task
// result and log lines.
func NewCorrelationID() string {
	correlationMu.Lock()
	defer correlationMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), correlationEntropy)
	if err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return id.String()
}
