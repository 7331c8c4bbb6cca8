package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

type analysisFixture struct {
	now       time.Time
	projects  *fakeProjects
	targets   *fakeTargets
	snapshots *fakeSnapshots
	analyses  *fakeAnalyses
	client    *fakeAnalysisClient
	queue     *fakeQueue
	refresher *recordingRefresher
	svc       AnalysisService
}

func newAnalysisFixture(t *testing.T) *analysisFixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f := &analysisFixture{
		now: now,
		projects: newFakeProjects(domain.Project{
			ID:        "p-1",
			Name:      "Acme Watch",
			Status:    domain.ProjectActive,
			Priority:  domain.PriorityHigh,
			CreatedAt: now.Add(-48 * time.Hour),
		}),
		targets: newFakeTargets("p-1",
			domain.Target{ID: "t-p", ProjectID: "p-1", Kind: domain.TargetProduct, Name: "Acme", URL: "https://acme.example/pricing"},
			domain.Target{ID: "t-c", ProjectID: "p-1", Kind: domain.TargetCompetitor, Name: "Rival", URL: "https://rival.example"},
		),
		snapshots: newFakeSnapshots(),
		analyses:  &fakeAnalyses{},
		client:    &fakeAnalysisClient{out: strings.Repeat("finding ", 100)},
		queue:     &fakeQueue{},
		refresher: &recordingRefresher{},
	}

	freshness := NewFreshnessService(f.projects, f.targets, f.snapshots, 24*time.Hour, 72*time.Hour)
	freshness.Now = func() time.Time { return f.now }

	f.svc = NewAnalysisService(f.projects, f.targets, f.snapshots, f.analyses, freshness,
		f.refresher, f.client, f.queue, AnalysisConfig{
			RetryDelay: time.Millisecond,
			Now:        func() time.Time { return f.now },
		})
	return f
}

func (f *analysisFixture) seedFreshSnapshots() {
	for _, targetID := range []string{"t-p", "t-c"} {
		f.snapshots.seed(domain.Snapshot{
			TargetID:   targetID,
			CapturedAt: f.now.Add(-time.Hour),
			Title:      "Pricing",
			Text:       strings.Repeat("content ", 50),
		})
	}
}

func TestTriggerAnalysisHappyPath(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.AnalysisID)
	assert.NotEmpty(t, result.ReportID)

	require.Equal(t, 1, f.analyses.len())
	rec, err := f.analyses.LatestByProject(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisComprehensive, rec.Type)
	assert.Len(t, rec.SnapshotIDs, 2)
	assert.Equal(t, domain.QualityMedium, rec.Quality)

	require.Len(t, f.queue.reqs, 1)
	req := f.queue.reqs[0]
	assert.Equal(t, result.ReportID, req.ReportID)
	assert.Equal(t, rec.ID, req.AnalysisID)
	assert.Equal(t, "standard", req.Template)
	assert.Equal(t, "high", req.Priority)

	prompt := f.client.lastUserPrompt()
	assert.Contains(t, prompt, "Acme")
	assert.Contains(t, prompt, "Rival")

	// data was fresh and no force flag, so no refresh ran
	assert.Equal(t, 0, f.refresher.callCount())
}

func TestTriggerAnalysisRefreshesStaleDataFirst(t *testing.T) {
	f := newAnalysisFixture(t)
	for _, targetID := range []string{"t-p", "t-c"} {
		f.snapshots.seed(domain.Snapshot{
			TargetID:   targetID,
			CapturedAt: f.now.Add(-96 * time.Hour),
			Title:      "Old",
			Text:       strings.Repeat("stale ", 60),
		})
	}

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.callCount())
}

func TestTriggerAnalysisForceFreshAlwaysRefreshes(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{ForceFreshData: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.callCount())
}

func TestTriggerAnalysisUnknownProject(t *testing.T) {
	f := newAnalysisFixture(t)

	_, err := f.svc.TriggerAnalysis(context.Background(), "ghost", domain.AnalysisOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTriggerAnalysisNoTargets(t *testing.T) {
	f := newAnalysisFixture(t)
	f.targets.byProject["p-1"] = nil

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTriggerAnalysisNoSnapshots(t *testing.T) {
	f := newAnalysisFixture(t)

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, 0, f.analyses.len())
	assert.Empty(t, f.queue.reqs)
}

func TestTriggerAnalysisConcurrentRunsConflict(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	f.client.block = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.calls) > 0
	}, time.Second, 5*time.Millisecond)

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	close(f.client.block)
	wg.Wait()
	assert.Equal(t, 1, f.analyses.len())
}

func TestTriggerAnalysisQualityValidation(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	f.client.out = "too short"
	f.svc.Cfg.MaxRetries = 2

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.ErrorIs(t, err, domain.ErrQualityValidation)
	assert.False(t, result.Success)
	assert.Len(t, f.client.calls, 3, "initial ask plus the configured re-asks")
	assert.Equal(t, 0, f.analyses.len())
	assert.Empty(t, f.queue.reqs)
}

func TestTriggerAnalysisRetriesQualityFailureThenSucceeds(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	f.client.outs = []string{"tiny", strings.Repeat("finding ", 100)}

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, f.client.calls, 2, "one re-ask recovers the run")
	assert.Equal(t, 1, f.analyses.len())
}

func TestTriggerAnalysisRunsUnderAdmission(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	adm := &fakeAdmitter{}
	f.svc.Admission = adm
	f.svc.Estimator = stubEstimator{tokens: 1200, usd: 0.42}

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, adm.seen, 1)
	actx := adm.seen[0]
	assert.Equal(t, "p-1", actx.ProjectID)
	assert.Equal(t, backendThrottleKey, actx.Domain)
	assert.Equal(t, domain.AdmissionHigh, actx.Priority)
	require.NotNil(t, actx.EstimatedCostUSD, "the priced prompt reaches the cost gates")
	assert.InDelta(t, 0.42, *actx.EstimatedCostUSD, 1e-9)
}

func TestTriggerAnalysisAdmissionDenied(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	adm := &fakeAdmitter{deny: &domain.RateLimitDecision{
		Gate:   domain.GateCost,
		Reason: "Hourly cost limit exceeded: projected $10.42 over hourly cost limit $10.00",
	}}
	f.svc.Admission = adm

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.False(t, result.Success)
	assert.Empty(t, f.client.calls, "denied requests never reach the backend")
	assert.Equal(t, 0, f.analyses.len())
	assert.Empty(t, f.queue.reqs)
}

func TestTriggerAnalysisBackendFailure(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	f.client.err = errors.New("upstream 502")

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 0, f.analyses.len())
}

func TestTriggerAnalysisEnqueueFailureKeepsRecord(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()
	f.queue.err = errors.New("broker unreachable")

	result, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.Error(t, err)
	assert.NotEmpty(t, result.AnalysisID)
	// the analysis survives even though the report request was lost
	assert.Equal(t, 1, f.analyses.len())
}

func TestMonitorProjectNeverAnalysed(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()

	status, err := f.svc.MonitorProject(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, status.NeedsAnalysis)
	assert.Nil(t, status.LastAnalysisTime)
	assert.True(t, status.FreshDataDetected)
}

func TestMonitorProjectRepeatPolicy(t *testing.T) {
	f := newAnalysisFixture(t)
	f.seedFreshSnapshots()

	_, err := f.svc.TriggerAnalysis(context.Background(), "p-1", domain.AnalysisOptions{})
	require.NoError(t, err)

	status, err := f.svc.MonitorProject(context.Background(), "p-1")
	require.NoError(t, err)
	assert.False(t, status.NeedsAnalysis, "fresh analysis should not repeat immediately")
	require.NotNil(t, status.LastAnalysisTime)
	require.NotNil(t, status.TimeToFirstAnalysisMs)

	// beyond the fresh repeat window the project qualifies again
	f.now = f.now.Add(5 * time.Hour)
	status, err = f.svc.MonitorProject(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, status.NeedsAnalysis)
}

func TestGradeQuality(t *testing.T) {
	assert.Equal(t, domain.QualityHigh, gradeQuality(strings.Repeat("x", 2000)))
	assert.Equal(t, domain.QualityMedium, gradeQuality(strings.Repeat("x", 700)))
	assert.Equal(t, domain.QualityLow, gradeQuality(strings.Repeat("x", 200)))
}
