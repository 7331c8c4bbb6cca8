package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]domain.Project
}

func newFakeProjects(ps ...domain.Project) *fakeProjects {
	f := &fakeProjects{projects: make(map[string]domain.Project)}
	for _, p := range ps {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjects) Find(_ domain.Context, id string) (domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeProjects) List(_ domain.Context, status *domain.ProjectStatus) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Project
	for _, p := range f.projects {
		if status == nil || p.Status == *status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProjects) UpdateStatus(_ domain.Context, id string, status domain.ProjectStatus, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
	}
	p.Status = status
	f.projects[id] = p
	return nil
}

type fakeTargets struct {
	byProject map[string][]domain.Target
}

func newFakeTargets(projectID string, ts ...domain.Target) *fakeTargets {
	return &fakeTargets{byProject: map[string][]domain.Target{projectID: ts}}
}

func (f *fakeTargets) ListByProject(_ domain.Context, projectID string) ([]domain.Target, error) {
	return f.byProject[projectID], nil
}

func (f *fakeTargets) FindByURL(_ domain.Context, url string) (domain.Target, error) {
	for _, ts := range f.byProject {
		for _, t := range ts {
			if t.URL == url {
				return t, nil
			}
		}
	}
	return domain.Target{}, fmt.Errorf("%w: target url %s", domain.ErrNotFound, url)
}

func (f *fakeTargets) CountWithoutSnapshots(_ domain.Context) (int, error) { return 0, nil }

// fakeSnapshots keeps newest-first per target, matching the repository
// contract.
type fakeSnapshots struct {
	mu        sync.Mutex
	byTarget  map[string][]domain.Snapshot
	nextID    int
	createErr error
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{byTarget: make(map[string][]domain.Snapshot)}
}

func (f *fakeSnapshots) seed(s domain.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if s.ID == "" {
		s.ID = fmt.Sprintf("snap-%d", f.nextID)
	}
	f.byTarget[s.TargetID] = append([]domain.Snapshot{s}, f.byTarget[s.TargetID]...)
}

func (f *fakeSnapshots) Create(_ domain.Context, s domain.Snapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	s.ID = fmt.Sprintf("snap-%d", f.nextID)
	f.byTarget[s.TargetID] = append([]domain.Snapshot{s}, f.byTarget[s.TargetID]...)
	return s.ID, nil
}

func (f *fakeSnapshots) LatestByTarget(_ domain.Context, targetID string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.byTarget[targetID]
	if len(snaps) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: no snapshot for target %s", domain.ErrNotFound, targetID)
	}
	return snaps[0], nil
}

func (f *fakeSnapshots) ListByTarget(_ domain.Context, targetID string, limit int) ([]domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.byTarget[targetID]
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	out := make([]domain.Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

func (f *fakeSnapshots) DeleteOlderThan(_ domain.Context, targetID string, keepN int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.byTarget[targetID]
	if len(snaps) <= keepN {
		return 0, nil
	}
	removed := len(snaps) - keepN
	f.byTarget[targetID] = snaps[:keepN]
	return removed, nil
}

func (f *fakeSnapshots) CountOrphaned(_ domain.Context) (int, error) { return 0, nil }

func (f *fakeSnapshots) count(targetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byTarget[targetID])
}

type fakeAnalyses struct {
	mu      sync.Mutex
	records []domain.AnalysisRecord
	nextID  int
}

func (f *fakeAnalyses) Create(_ domain.Context, r domain.AnalysisRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = fmt.Sprintf("an-%d", f.nextID)
	f.records = append(f.records, r)
	return r.ID, nil
}

func (f *fakeAnalyses) LatestByProject(_ domain.Context, projectID string) (domain.AnalysisRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].ProjectID == projectID {
			return f.records[i], nil
		}
	}
	return domain.AnalysisRecord{}, fmt.Errorf("%w: no analysis for project %s", domain.ErrNotFound, projectID)
}

func (f *fakeAnalyses) FirstByProject(_ domain.Context, projectID string) (domain.AnalysisRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ProjectID == projectID {
			return r, nil
		}
	}
	return domain.AnalysisRecord{}, fmt.Errorf("%w: no analysis for project %s", domain.ErrNotFound, projectID)
}

func (f *fakeAnalyses) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// passAdmitter admits everything, or fails everything with denyWith.
type passAdmitter struct {
	denyWith error
	calls    int
}

func (a *passAdmitter) ExecuteWithRateLimit(ctx context.Context, _ domain.AdmissionContext, fn func(context.Context) error) error {
	a.calls++
	if a.denyWith != nil {
		return a.denyWith
	}
	return fn(ctx)
}

// fakeAdmitter records each presented admission context; deny, when set,
// rejects without running fn.
type fakeAdmitter struct {
	mu   sync.Mutex
	seen []domain.AdmissionContext
	deny *domain.RateLimitDecision
}

func (a *fakeAdmitter) ExecuteWithRateLimit(ctx context.Context, actx domain.AdmissionContext, fn func(context.Context) error) error {
	a.mu.Lock()
	a.seen = append(a.seen, actx)
	deny := a.deny
	a.mu.Unlock()
	if deny != nil {
		return &domain.AdmissionError{Decision: *deny}
	}
	return fn(ctx)
}

type stubEstimator struct {
	tokens int
	usd    float64
}

func (s stubEstimator) EstimateCost(string) (int, float64) { return s.tokens, s.usd }

type fakeScraper struct {
	mu    sync.Mutex
	fn    func(url string) (domain.WebsiteSnapshot, error)
	calls []string
}

func (f *fakeScraper) TakeSnapshot(_ domain.Context, url string, _ domain.ScrapeOptions) (domain.WebsiteSnapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	return f.fn(url)
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []domain.ReportRequest
	err  error
}

func (f *fakeQueue) EnqueueReport(_ domain.Context, req domain.ReportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return req.ReportID, nil
}

type fakeAnalysisClient struct {
	mu    sync.Mutex
	out   string
	outs  []string // consumed in order before falling back to out
	err   error
	block chan struct{} // when set, GenerateCompletion waits on it
	calls [][]domain.AnalysisMessage
}

func (f *fakeAnalysisClient) GenerateCompletion(ctx domain.Context, messages []domain.AnalysisMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	block := f.block
	err := f.err
	out := f.out
	if len(f.outs) > 0 {
		out = f.outs[0]
		f.outs = f.outs[1:]
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeAnalysisClient) lastUserPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	msgs := f.calls[len(f.calls)-1]
	for _, m := range msgs {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

// recordingRefresher notes the call and optionally seeds a snapshot to mimic
// a successful scrape.
type recordingRefresher struct {
	mu       sync.Mutex
	projects []string
	onCall   func()
}

func (r *recordingRefresher) CheckAndTrigger(_ domain.Context, projectID string) (domain.TriggerResult, error) {
	r.mu.Lock()
	r.projects = append(r.projects, projectID)
	r.mu.Unlock()
	if r.onCall != nil {
		r.onCall()
	}
	return domain.TriggerResult{Triggered: true, TasksExecuted: 1}, nil
}

func (r *recordingRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.projects)
}
