package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

func freshnessFixture(now time.Time) (FreshnessService, *fakeSnapshots) {
	projects := newFakeProjects(domain.Project{ID: "p1", Name: "Acme Watch", Status: domain.ProjectActive, Priority: domain.PriorityNormal})
	targets := newFakeTargets("p1",
		domain.Target{ID: "t-prod", ProjectID: "p1", Kind: domain.TargetProduct, Name: "Acme", URL: "https://example.com/p"},
		domain.Target{ID: "t-comp-a", ProjectID: "p1", Kind: domain.TargetCompetitor, Name: "A", URL: "https://a.com"},
		domain.Target{ID: "t-comp-b", ProjectID: "p1", Kind: domain.TargetCompetitor, Name: "B", URL: "https://b.com"},
	)
	snaps := newFakeSnapshots()
	svc := NewFreshnessService(projects, targets, snaps, 7*24*time.Hour, 14*24*time.Hour)
	svc.Now = func() time.Time { return now }
	return svc, snaps
}

func TestFreshnessStatusClassifiesTargets(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, snaps := freshnessFixture(now)

	snaps.seed(domain.Snapshot{TargetID: "t-prod", CapturedAt: now.Add(-2 * 24 * time.Hour)})
	snaps.seed(domain.Snapshot{TargetID: "t-comp-a", CapturedAt: now.Add(-20 * 24 * time.Hour)})
	// t-comp-b has no snapshot

	status, err := svc.FreshnessStatus(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, domain.ProjectMixed, status.Overall)
	assert.Equal(t, 1, status.FreshCount)
	assert.Equal(t, 1, status.StaleCount)
	assert.Equal(t, 1, status.MissingData)
	require.Len(t, status.Targets, 3)

	byID := map[string]domain.TargetFreshness{}
	for _, tf := range status.Targets {
		byID[tf.TargetID] = tf
	}
	assert.Equal(t, domain.FreshnessFresh, byID["t-prod"].State)
	assert.False(t, byID["t-prod"].NeedsScraping)
	assert.InDelta(t, 2.0, byID["t-prod"].AgeDays, 0.01)

	assert.Equal(t, domain.FreshnessStale, byID["t-comp-a"].State)
	assert.Equal(t, domain.WorkPriorityHigh, byID["t-comp-a"].Priority)

	assert.Equal(t, domain.FreshnessMissing, byID["t-comp-b"].State)
	assert.Equal(t, domain.WorkPriorityHigh, byID["t-comp-b"].Priority)
	assert.Equal(t, float64(-1), byID["t-comp-b"].AgeDays)

	assert.NotEmpty(t, status.Actions)
}

func TestFreshnessStatusAllFresh(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, snaps := freshnessFixture(now)

	for _, id := range []string{"t-prod", "t-comp-a", "t-comp-b"} {
		snaps.seed(domain.Snapshot{TargetID: id, CapturedAt: now.Add(-24 * time.Hour)})
	}

	status, err := svc.FreshnessStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectFresh, status.Overall)
	assert.Empty(t, status.Actions)

	items, err := svc.WorkItems(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFreshnessStatusNoTargets(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	projects := newFakeProjects(domain.Project{ID: "p-empty", Status: domain.ProjectActive})
	svc := NewFreshnessService(projects, &fakeTargets{byProject: map[string][]domain.Target{}}, newFakeSnapshots(), 7*24*time.Hour, 14*24*time.Hour)
	svc.Now = func() time.Time { return now }

	status, err := svc.FreshnessStatus(context.Background(), "p-empty")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectMissingData, status.Overall)
}

func TestFreshnessStatusUnknownProject(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _ := freshnessFixture(now)

	_, err := svc.FreshnessStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkItemsPrioritiesAndReasons(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, snaps := freshnessFixture(now)

	snaps.seed(domain.Snapshot{TargetID: "t-prod", CapturedAt: now.Add(-10 * 24 * time.Hour)})
	snaps.seed(domain.Snapshot{TargetID: "t-comp-a", CapturedAt: now.Add(-20 * 24 * time.Hour)})
	// t-comp-b missing

	items, err := svc.WorkItems(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, items, 3)

	byID := map[string]domain.WorkItem{}
	seen := map[string]bool{}
	for _, item := range items {
		byID[item.TargetID] = item
		assert.NotEmpty(t, item.CorrelationID)
		assert.False(t, seen[item.CorrelationID], "correlation ids must be unique")
		seen[item.CorrelationID] = true
	}

	assert.Equal(t, domain.WorkPriorityMedium, byID["t-prod"].Priority)
	assert.Equal(t, "snapshot is 10.0 days old", byID["t-prod"].Reason)

	assert.Equal(t, domain.WorkPriorityHigh, byID["t-comp-a"].Priority)
	assert.Equal(t, domain.WorkPriorityHigh, byID["t-comp-b"].Priority)
	assert.Equal(t, "no snapshot captured yet", byID["t-comp-b"].Reason)
	assert.Equal(t, "https://b.com", byID["t-comp-b"].URL)
}

func TestWorkItemsOnlyStaleCompetitor(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, snaps := freshnessFixture(now)

	snaps.seed(domain.Snapshot{TargetID: "t-prod", CapturedAt: now.Add(-3 * 24 * time.Hour)})
	snaps.seed(domain.Snapshot{TargetID: "t-comp-a", CapturedAt: now.Add(-10 * 24 * time.Hour)})
	snaps.seed(domain.Snapshot{TargetID: "t-comp-b", CapturedAt: now.Add(-1 * 24 * time.Hour)})

	items, err := svc.WorkItems(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t-comp-a", items[0].TargetID)
	assert.Equal(t, domain.TargetCompetitor, items[0].TargetKind)
}
