package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
	"github.com/fairyhunter13/compintel-pipeline/pkg/textx"
)

// Refresher re-scrapes stale targets before an analysis. Implemented by
// SchedulerService.
type Refresher interface {
	CheckAndTrigger(ctx domain.Context, projectID string) (domain.TriggerResult, error)
}

// CostEstimator prices a prompt before it is sent.
type CostEstimator interface {
	EstimateCost(text string) (tokens int, usd float64)
}

// AnalysisMetrics receives analysis outcomes and SLO classifications.
type AnalysisMetrics interface {
	AnalysisOutcome(outcome string, dur time.Duration, sloMet bool)
	ReportEnqueued()
}

// AnalysisConfig tunes the orchestrator.
type AnalysisConfig struct {
	SnapshotsPerTarget   int           // default 5
	MinContentLength     int           // default 100
	SnippetLength        int           // default 2000, per-snapshot prompt excerpt
	MaxRetries           int           // default 3, backend re-asks after a quality failure
	RetryDelay           time.Duration // default 2s, spacing between re-asks
	FreshRepeatAfter     time.Duration // default 4h
	StaleRepeatAfter     time.Duration // default 24h
	TargetTimeToAnalysis time.Duration // default 2h
	Now                  func() time.Time
}

func (c AnalysisConfig) withDefaults() AnalysisConfig {
	if c.SnapshotsPerTarget <= 0 {
		c.SnapshotsPerTarget = 5
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 100
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = 2000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.FreshRepeatAfter <= 0 {
		c.FreshRepeatAfter = 4 * time.Hour
	}
	if c.StaleRepeatAfter <= 0 {
		c.StaleRepeatAfter = 24 * time.Hour
	}
	if c.TargetTimeToAnalysis <= 0 {
		c.TargetTimeToAnalysis = 2 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// AnalysisService orchestrates one analysis run: ensure input freshness,
// invoke the backend, validate quality, persist the record, enqueue the
// report request.
type AnalysisService struct {
	Projects  domain.ProjectRepository
	Targets   domain.TargetRepository
	Snapshots domain.SnapshotRepository
	Analyses  domain.AnalysisRepository
	Freshness FreshnessService
	Refresher Refresher
	Client    domain.AnalysisClient
	Reports   domain.ReportQueue
	Admission Admitter        // optional, gates each backend request
	Estimator CostEstimator   // optional
	Metrics   AnalysisMetrics // optional
	Logger    *slog.Logger

	Cfg      AnalysisConfig
	inflight *inflightRegistry
}

// NewAnalysisService constructs an AnalysisService with its dependencies.
func NewAnalysisService(
	projects domain.ProjectRepository,
	targets domain.TargetRepository,
	snapshots domain.SnapshotRepository,
	analyses domain.AnalysisRepository,
	freshness FreshnessService,
	refresher Refresher,
	client domain.AnalysisClient,
	reports domain.ReportQueue,
	cfg AnalysisConfig,
) AnalysisService {
	return AnalysisService{
		Projects:  projects,
		Targets:   targets,
		Snapshots: snapshots,
		Analyses:  analyses,
		Freshness: freshness,
		Refresher: refresher,
		Client:    client,
		Reports:   reports,
		Cfg:       cfg.withDefaults(),
		inflight:  newInflightRegistry(),
	}
}

// MonitorProject reports whether the project needs a new analysis.
func (s AnalysisService) MonitorProject(ctx domain.Context, projectID string) (domain.MonitorStatus, error) {
	fresh, err := s.Freshness.FreshnessStatus(ctx, projectID)
	if err != nil {
		return domain.MonitorStatus{}, err
	}

	status := domain.MonitorStatus{
		ProjectID:         projectID,
		FreshDataDetected: fresh.FreshCount > 0,
	}
	last, err := s.Analyses.LatestByProject(ctx, projectID)
	switch {
	case err == nil:
		t := last.CreatedAt
		status.LastAnalysisTime = &t
		status.AnalysisQuality = last.Quality
	case errors.Is(err, domain.ErrNotFound):
		// never analysed
	default:
		return domain.MonitorStatus{}, err
	}
	status.NeedsAnalysis = s.needsAnalysis(fresh.Overall, status.LastAnalysisTime)

	if first, ferr := s.Analyses.FirstByProject(ctx, projectID); ferr == nil {
		if project, perr := s.Projects.Find(ctx, projectID); perr == nil {
			ms := first.CreatedAt.Sub(project.CreatedAt).Milliseconds()
			status.TimeToFirstAnalysisMs = &ms
		}
	}
	return status, nil
}

// needsAnalysis applies the repeat policy: a never-analysed project always
// qualifies; fresh projects re-qualify after FreshRepeatAfter, stale ones
// after StaleRepeatAfter.
func (s AnalysisService) needsAnalysis(overall domain.ProjectFreshnessState, lastAt *time.Time) bool {
	if lastAt == nil {
		return true
	}
	elapsed := s.clock().Sub(*lastAt)
	switch overall {
	case domain.ProjectFresh:
		return elapsed > s.Cfg.FreshRepeatAfter
	case domain.ProjectStale:
		return elapsed > s.Cfg.StaleRepeatAfter
	default:
		return false
	}
}

// TriggerAnalysis runs one analysis for the project. Concurrent triggers for
// the same project conflict; the error names the in-flight correlation id.
func (s AnalysisService) TriggerAnalysis(ctx domain.Context, projectID string, opts domain.AnalysisOptions) (domain.AnalysisResult, error) {
	start := s.clock()
	corr := NewCorrelationID()
	if existing, busy := s.inflight.begin(projectID, corr); busy {
		return domain.AnalysisResult{}, fmt.Errorf("%w: analysis already running for project %s (correlation %s)", domain.ErrConflict, projectID, existing)
	}
	defer s.inflight.end(projectID)

	project, err := s.Projects.Find(ctx, projectID)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	targets, err := s.Targets.ListByProject(ctx, projectID)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if len(targets) == 0 {
		return domain.AnalysisResult{}, fmt.Errorf("%w: project %s has no products or competitors", domain.ErrInvalidArgument, projectID)
	}

	fresh, err := s.Freshness.FreshnessStatus(ctx, projectID)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if opts.ForceFreshData || fresh.Overall != domain.ProjectFresh {
		if s.Refresher != nil {
			if _, rerr := s.Refresher.CheckAndTrigger(ctx, projectID); rerr != nil {
				s.logger().WarnContext(ctx, "refresh before analysis failed, analysing available data",
					slog.String("project_id", projectID),
					slog.String("correlation_id", corr),
					slog.Any("error", rerr))
			}
		}
	}

	input, err := s.buildInput(ctx, project, targets, opts, fresh)
	if err != nil {
		return s.fail(ctx, start, corr, err)
	}

	trimmed, err := s.runBackend(ctx, project, input, corr)
	if err != nil {
		return s.fail(ctx, start, corr, err)
	}

	dur := s.clock().Sub(start)
	record := domain.AnalysisRecord{
		ProjectID:        projectID,
		CreatedAt:        s.clock(),
		SnapshotIDs:      input.snapshotIDs,
		Type:             input.analysisType,
		Output:           trimmed,
		Quality:          gradeQuality(trimmed),
		DurationMs:       dur.Milliseconds(),
		EstimatedCostUSD: input.costUSD,
	}
	analysisID, err := s.Analyses.Create(ctx, record)
	if err != nil {
		return s.fail(ctx, start, corr, err)
	}

	reportID := uuid.New().String()
	req := domain.ReportRequest{
		ReportID:    reportID,
		ProjectID:   projectID,
		AnalysisID:  analysisID,
		Template:    input.template,
		Priority:    input.priority,
		RequestedAt: s.clock(),
	}
	if _, qerr := s.Reports.EnqueueReport(ctx, req); qerr != nil {
		result := domain.AnalysisResult{AnalysisID: analysisID, ProcessingTime: s.clock().Sub(start), Error: qerr.Error()}
		s.observe("failed", result.ProcessingTime, false)
		return result, fmt.Errorf("report enqueue: %w", qerr)
	}
	if s.Metrics != nil {
		s.Metrics.ReportEnqueued()
	}

	dur = s.clock().Sub(start)
	sloMet := dur < s.Cfg.TargetTimeToAnalysis
	slo := "TARGET_EXCEEDED"
	if sloMet {
		slo = "TARGET_MET"
	}
	s.logger().InfoContext(ctx, "analysis completed",
		slog.String("project_id", projectID),
		slog.String("analysis_id", analysisID),
		slog.String("correlation_id", corr),
		slog.String("quality", string(record.Quality)),
		slog.String("slo", slo),
		slog.Duration("processing_time", dur))
	s.observe("success", dur, sloMet)

	return domain.AnalysisResult{
		Success:        true,
		AnalysisID:     analysisID,
		ReportID:       reportID,
		ProcessingTime: dur,
	}, nil
}

type analysisInput struct {
	messages     []domain.AnalysisMessage
	snapshotIDs  []string
	analysisType domain.AnalysisType
	template     string
	priority     string
	costUSD      float64
}

func (s AnalysisService) buildInput(ctx domain.Context, project domain.Project, targets []domain.Target, opts domain.AnalysisOptions, fresh domain.ProjectFreshness) (analysisInput, error) {
	analysisType := opts.Type
	if analysisType == "" {
		analysisType = domain.AnalysisComprehensive
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nOverall data freshness: %s (%d fresh, %d stale, %d missing)\n",
		project.Name, fresh.Overall, fresh.FreshCount, fresh.StaleCount, fresh.MissingData)

	var snapshotIDs []string
	for _, t := range targets {
		snaps, err := s.Snapshots.ListByTarget(ctx, t.ID, s.Cfg.SnapshotsPerTarget)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return analysisInput{}, err
		}
		if len(snaps) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s: %s (%s)\n", titleKind(t.Kind), t.Name, t.URL)
		for _, snap := range snaps {
			snapshotIDs = append(snapshotIDs, snap.ID)
			fmt.Fprintf(&b, "\n### Snapshot %s — %s\n%s\n",
				snap.CapturedAt.UTC().Format(time.RFC3339), snap.Title, textx.Excerpt(snap.Text, s.Cfg.SnippetLength))
		}
	}
	if len(snapshotIDs) == 0 {
		return analysisInput{}, fmt.Errorf("%w: no snapshots available for analysis", domain.ErrInvalidArgument)
	}

	user := b.String()
	messages := []domain.AnalysisMessage{
		{Role: "system", Content: systemPrompt(analysisType)},
		{Role: "user", Content: user},
	}

	input := analysisInput{
		messages:     messages,
		snapshotIDs:  snapshotIDs,
		analysisType: analysisType,
		template:     opts.ReportTemplate,
		priority:     opts.Priority,
	}
	if input.template == "" {
		input.template = "standard"
	}
	if input.priority == "" {
		input.priority = strings.ToLower(string(project.Priority))
	}
	if s.Estimator != nil {
		tokens, usd := s.Estimator.EstimateCost(user)
		input.costUSD = usd
		s.logger().DebugContext(ctx, "analysis prompt priced",
			slog.String("project_id", project.ID),
			slog.Int("prompt_tokens", tokens),
			slog.Float64("estimated_cost_usd", usd))
	}
	return input, nil
}

// backendThrottleKey spaces AI requests like any other upstream domain.
const backendThrottleKey = "analysis-backend"

// runBackend executes the backend request as one admitted unit of work. Like
// scrape tasks, internal retries stay inside the admission slot.
func (s AnalysisService) runBackend(ctx domain.Context, project domain.Project, input analysisInput, corr string) (string, error) {
	if s.Admission == nil {
		return s.generateValidated(ctx, project, input, corr)
	}
	var out string
	err := s.Admission.ExecuteWithRateLimit(ctx, s.admissionContext(project, input, corr), func(c context.Context) error {
		var gerr error
		out, gerr = s.generateValidated(c, project, input, corr)
		return gerr
	})
	return out, err
}

// generateValidated drives the backend and re-asks when the output fails
// quality validation, up to MaxRetries re-asks. Transport-level retries live
// in the client adapters, so backend errors are terminal here.
func (s AnalysisService) generateValidated(ctx domain.Context, project domain.Project, input analysisInput, corr string) (string, error) {
	var out string
	attempt := 0
	op := func() error {
		attempt++
		raw, err := s.Client.GenerateCompletion(ctx, input.messages)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("analysis backend: %w", err))
		}
		trimmed := strings.TrimSpace(raw)
		if len(trimmed) < s.Cfg.MinContentLength {
			s.logger().WarnContext(ctx, "analysis output failed quality validation",
				slog.String("project_id", project.ID),
				slog.String("correlation_id", corr),
				slog.Int("attempt", attempt),
				slog.Int("output_length", len(trimmed)))
			return fmt.Errorf("%w: output length %d below minimum %d", domain.ErrQualityValidation, len(trimmed), s.Cfg.MinContentLength)
		}
		out = trimmed
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.Cfg.RetryDelay), uint64(s.Cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return out, nil
}

// admissionContext prices the prompt so the cost gates see the projected AI
// spend rather than the per-snapshot default.
func (s AnalysisService) admissionContext(project domain.Project, input analysisInput, corr string) domain.AdmissionContext {
	actx := domain.AdmissionContext{
		ProjectID: project.ID,
		Domain:    backendThrottleKey,
		Source:    domain.SourceScheduledReport,
		RequestID: corr,
	}
	switch project.Priority {
	case domain.PriorityHigh:
		actx.Priority = domain.AdmissionHigh
	case domain.PriorityNormal:
		actx.Priority = domain.AdmissionNormal
	default:
		actx.Priority = domain.AdmissionLow
	}
	if s.Estimator != nil {
		cost := input.costUSD
		actx.EstimatedCostUSD = &cost
	}
	return actx
}

func (s AnalysisService) fail(ctx domain.Context, start time.Time, corr string, err error) (domain.AnalysisResult, error) {
	dur := s.clock().Sub(start)
	s.logger().WarnContext(ctx, "analysis failed",
		slog.String("correlation_id", corr),
		slog.Duration("processing_time", dur),
		slog.Any("error", err))
	s.observe("failed", dur, false)
	return domain.AnalysisResult{ProcessingTime: dur, Error: err.Error()}, err
}

func (s AnalysisService) observe(outcome string, dur time.Duration, sloMet bool) {
	if s.Metrics != nil {
		s.Metrics.AnalysisOutcome(outcome, dur, sloMet)
	}
}

func (s AnalysisService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s AnalysisService) clock() time.Time {
	if s.Cfg.Now != nil {
		return s.Cfg.Now()
	}
	return time.Now()
}

// gradeQuality buckets validated output by substance. Validation already
// rejected anything under the minimum length.
func gradeQuality(output string) domain.AnalysisQuality {
	switch {
	case len(output) >= 2000:
		return domain.QualityHigh
	case len(output) >= 500:
		return domain.QualityMedium
	default:
		return domain.QualityLow
	}
}

func systemPrompt(t domain.AnalysisType) string {
	switch t {
	case domain.AnalysisCompetitive:
		return "You are a competitive intelligence analyst. Compare the product against the competitors using only the provided snapshots. Highlight positioning, pricing signals, and feature gaps."
	case domain.AnalysisTrend:
		return "You are a market trend analyst. Using the dated snapshots provided, describe how each target changed over time and what the direction of travel implies."
	default:
		return "You are a competitive intelligence analyst. Produce a comprehensive report covering competitive positioning and observable trends, using only the provided snapshots."
	}
}

func titleKind(k domain.TargetKind) string {
	if k == domain.TargetProduct {
		return "Product"
	}
	return "Competitor"
}

type inflightRegistry struct {
	mu sync.Mutex
	m  map[string]string
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{m: make(map[string]string)}
}

// begin registers correlationID for the project unless another run holds it;
// the held correlation id is returned for the conflict message.
func (r *inflightRegistry) begin(projectID, correlationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[projectID]; ok {
		return existing, true
	}
	r.m[projectID] = correlationID
	return "", false
}

func (r *inflightRegistry) end(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, projectID)
}
