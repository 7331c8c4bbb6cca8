package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// Admitter gates one outbound unit of work. Implemented by the admission
// controller.
type Admitter interface {
	ExecuteWithRateLimit(ctx context.Context, actx domain.AdmissionContext, fn func(context.Context) error) error
}

// SchedulerMetrics receives scrape batch outcomes.
type SchedulerMetrics interface {
	ScrapeOutcome(outcome string, dur time.Duration)
	SnapshotPersisted()
}

// SchedulerOptions tunes batch pacing and scrape retries.
type SchedulerOptions struct {
	Retry              domain.ScrapeRetryPolicy
	ScrapeOpts         domain.ScrapeOptions
	TaskDelay          time.Duration // spacing between consecutive dispatches
	MinContentLength   int
	RetentionPerTarget int // 0 disables post-persist eviction
	Now                func() time.Time
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.Retry.MaxRetries <= 0 {
		o.Retry = domain.DefaultScrapeRetryPolicy()
	}
	if o.TaskDelay <= 0 {
		o.TaskDelay = 2 * time.Second
	}
	if o.MinContentLength <= 0 {
		o.MinContentLength = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SchedulerService turns stale targets into executed scrape tasks. One batch
// is single-threaded; concurrency across projects is bounded by the admission
// controller's slots.
type SchedulerService struct {
	Freshness FreshnessService
	Snapshots domain.SnapshotRepository
	Scraper   domain.ScrapeDriver
	Admission Admitter
	Cache     domain.SnapshotCache // optional, best-effort
	Metrics   SchedulerMetrics     // optional
	Logger    *slog.Logger

	Opts SchedulerOptions

	// Sleep is injectable for tests; nil means a context-aware wait.
	Sleep func(ctx domain.Context, d time.Duration) error
}

// NewSchedulerService constructs a SchedulerService with its dependencies.
func NewSchedulerService(f FreshnessService, snaps domain.SnapshotRepository, scraper domain.ScrapeDriver, adm Admitter, opts SchedulerOptions) SchedulerService {
	return SchedulerService{
		Freshness: f,
		Snapshots: snaps,
		Scraper:   scraper,
		Admission: adm,
		Opts:      opts.withDefaults(),
	}
}

// CheckAndTrigger evaluates freshness and executes one scrape task per item
// needing work, highest priority first, FIFO within a priority. Individual
// failures never abort the batch; cancellation does, returning the partial
// results alongside the context error.
func (s SchedulerService) CheckAndTrigger(ctx domain.Context, projectID string) (domain.TriggerResult, error) {
	items, err := s.Freshness.WorkItems(ctx, projectID)
	if err != nil {
		return domain.TriggerResult{}, err
	}
	if len(items) == 0 {
		s.logger().InfoContext(ctx, "all targets fresh, nothing to trigger",
			slog.String("project_id", projectID))
		return domain.TriggerResult{Results: []domain.TaskResult{}}, nil
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })
	s.logger().InfoContext(ctx, "scrape batch starting",
		slog.String("project_id", projectID),
		slog.Int("items", len(items)))

	results := make([]domain.TaskResult, 0, len(items))
	for i, item := range items {
		if i > 0 {
			if err := s.sleep(ctx, s.Opts.TaskDelay); err != nil {
				return domain.TriggerResult{Triggered: true, TasksExecuted: len(results), Results: results}, err
			}
		}
		results = append(results, s.runTask(ctx, item))
	}

	return domain.TriggerResult{Triggered: true, TasksExecuted: len(results), Results: results}, nil
}

func (s SchedulerService) runTask(ctx domain.Context, item domain.WorkItem) domain.TaskResult {
	start := s.clock()
	var snapshotID string

	err := s.Admission.ExecuteWithRateLimit(ctx, s.admissionContext(item), func(c context.Context) error {
		sc, err := s.scrapeWithRetry(c, item.URL, item.CorrelationID)
		if err != nil {
			return err
		}
		id, err := s.persistSnapshot(c, item, sc)
		if err != nil {
			return err
		}
		snapshotID = id
		return nil
	})

	dur := s.clock().Sub(start)
	result := domain.TaskResult{
		TaskType:      item.TargetKind,
		TargetID:      item.TargetID,
		Success:       err == nil,
		SnapshotID:    snapshotID,
		Duration:      dur,
		CorrelationID: item.CorrelationID,
	}

	outcome := "success"
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = scrapeErrorKind(err)
		outcome = "failed"
		if errors.Is(err, domain.ErrAdmissionDenied) {
			outcome = "denied"
		}
		if errors.Is(err, domain.ErrCircuitOpen) && s.Cache != nil {
			if cached, cerr := s.Cache.Latest(ctx, item.TargetID); cerr == nil {
				result.Error = fmt.Sprintf("%s (cached snapshot from %s available)",
					result.Error, cached.CapturedAt.UTC().Format(time.RFC3339))
			}
		}
		s.logger().WarnContext(ctx, "scrape task failed",
			slog.String("target_id", item.TargetID),
			slog.String("correlation_id", item.CorrelationID),
			slog.String("error_kind", result.ErrorKind),
			slog.Any("error", err))
	} else {
		s.logger().InfoContext(ctx, "scrape task completed",
			slog.String("target_id", item.TargetID),
			slog.String("correlation_id", item.CorrelationID),
			slog.String("snapshot_id", snapshotID),
			slog.Duration("duration", dur))
	}
	if s.Metrics != nil {
		s.Metrics.ScrapeOutcome(outcome, dur)
	}
	return result
}

type scrapedContent struct {
	snap     domain.WebsiteSnapshot
	attempts int
	fetch    time.Duration
}

// scrapeWithRetry drives the scrape driver with exponential backoff between
// attempts. Content that fails validation counts as an attempt failure.
func (s SchedulerService) scrapeWithRetry(ctx domain.Context, rawURL, correlationID string) (scrapedContent, error) {
	maxAttempts := s.Opts.Retry.MaxRetries
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.Opts.Retry.NextDelay(attempt-1)); err != nil {
				return scrapedContent{}, err
			}
		}

		fetchStart := s.clock()
		snap, err := s.Scraper.TakeSnapshot(ctx, rawURL, s.Opts.ScrapeOpts)
		if err == nil {
			err = s.validateContent(snap)
			if err == nil {
				return scrapedContent{snap: snap, attempts: attempt + 1, fetch: s.clock().Sub(fetchStart)}, nil
			}
		}
		lastErr = err
		s.logger().WarnContext(ctx, "scrape attempt failed",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt+1),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))

		if !domain.RetryableScrapeError(err) {
			return scrapedContent{}, fmt.Errorf("scraping failed after %d attempts: %w", attempt+1, lastErr)
		}
	}
	return scrapedContent{}, fmt.Errorf("%w: %d attempts exhausted: %w", domain.ErrScrapeFailed, maxAttempts, lastErr)
}

func (s SchedulerService) validateContent(snap domain.WebsiteSnapshot) error {
	if len(snap.HTML) < s.Opts.MinContentLength {
		return fmt.Errorf("%w: html length %d below minimum %d", domain.ErrContentInvalid, len(snap.HTML), s.Opts.MinContentLength)
	}
	if strings.TrimSpace(snap.Title) == "" && strings.TrimSpace(snap.Text) == "" {
		return fmt.Errorf("%w: empty title and text", domain.ErrContentInvalid)
	}
	return nil
}

// persistSnapshot writes the snapshot and its metadata atomically, then does
// best-effort cache write-through and retention eviction.
func (s SchedulerService) persistSnapshot(ctx domain.Context, item domain.WorkItem, sc scrapedContent) (string, error) {
	captured := sc.snap.Timestamp
	if captured.IsZero() {
		captured = s.clock()
	}
	rec := domain.Snapshot{
		TargetID:   item.TargetID,
		CapturedAt: captured,
		HTML:       sc.snap.HTML,
		Text:       sc.snap.Text,
		Title:      sc.snap.Title,
		Meta: domain.SnapshotMeta{
			StatusCode:  sc.snap.StatusCode,
			Headers:     sc.snap.Headers,
			DurationMs:  sc.fetch.Milliseconds(),
			HTMLLength:  len(sc.snap.HTML),
			TextLength:  len(sc.snap.Text),
			RetryCount:  sc.attempts - 1,
			Method:      "GET",
			ContentType: sc.snap.Headers["Content-Type"],
		},
	}
	id, err := s.Snapshots.Create(ctx, rec)
	if err != nil {
		return "", err
	}
	if s.Metrics != nil {
		s.Metrics.SnapshotPersisted()
	}

	if s.Cache != nil {
		entry := domain.CachedSnapshot{TargetID: item.TargetID, Title: sc.snap.Title, Text: sc.snap.Text, CapturedAt: captured}
		if cerr := s.Cache.Store(ctx, entry); cerr != nil {
			s.logger().WarnContext(ctx, "snapshot cache store failed",
				slog.String("target_id", item.TargetID),
				slog.Any("error", cerr))
		}
	}
	if s.Opts.RetentionPerTarget > 0 {
		if _, rerr := s.Snapshots.DeleteOlderThan(ctx, item.TargetID, s.Opts.RetentionPerTarget); rerr != nil {
			s.logger().WarnContext(ctx, "snapshot retention eviction failed",
				slog.String("target_id", item.TargetID),
				slog.Any("error", rerr))
		}
	}
	return id, nil
}

func (s SchedulerService) admissionContext(item domain.WorkItem) domain.AdmissionContext {
	source := domain.SourceScheduledReport
	if strings.Contains(item.Reason, "no snapshot") {
		source = domain.SourceInitialReport
	}
	actx := domain.AdmissionContext{
		ProjectID: item.ProjectID,
		Domain:    hostOf(item.URL),
		Source:    source,
		RequestID: item.CorrelationID,
	}
	if item.TargetKind == domain.TargetCompetitor {
		actx.CompetitorID = item.TargetID
	}
	switch item.Priority {
	case domain.WorkPriorityHigh:
		actx.Priority = domain.AdmissionHigh
	case domain.WorkPriorityMedium:
		actx.Priority = domain.AdmissionNormal
	default:
		actx.Priority = domain.AdmissionLow
	}
	return actx
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

func scrapeErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrContentInvalid):
		return "insufficient_content"
	case errors.Is(err, domain.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrAdmissionDenied):
		return "admission_denied"
	case errors.Is(err, domain.ErrScrapeFailed):
		return "scrape_failed"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func (s SchedulerService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s SchedulerService) clock() time.Time {
	if s.Opts.Now != nil {
		return s.Opts.Now()
	}
	return time.Now()
}

func (s SchedulerService) sleep(ctx domain.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx domain.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
