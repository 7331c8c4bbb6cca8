package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/compintel-pipeline/internal/config"
	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
	"github.com/fairyhunter13/compintel-pipeline/internal/service/cronengine"
)

// FreshnessReader classifies project data staleness.
type FreshnessReader interface {
	FreshnessStatus(ctx context.Context, projectID string) (domain.ProjectFreshness, error)
}

// ScrapeTrigger runs one scrape batch for a project.
type ScrapeTrigger interface {
	CheckAndTrigger(ctx context.Context, projectID string) (domain.TriggerResult, error)
}

// AnalysisRunner triggers and monitors project analyses.
type AnalysisRunner interface {
	TriggerAnalysis(ctx context.Context, projectID string, opts domain.AnalysisOptions) (domain.AnalysisResult, error)
	MonitorProject(ctx context.Context, projectID string) (domain.MonitorStatus, error)
}

// JobEngine is the cron engine surface the API needs.
type JobEngine interface {
	ScheduleJob(ctx context.Context, job domain.CronJob) (string, error)
	PauseJob(ctx context.Context, id string) error
	ResumeJob(ctx context.Context, id string) error
	TriggerJob(ctx context.Context, id string) error
	Jobs() []cronengine.JobStatus
	PerformHealthChecks() []domain.JobHealth
}

// HealthReader reports the supervisor's last sweep.
type HealthReader interface {
	Status(ctx context.Context) domain.SystemHealthStatus
}

// CircuitAdmin exposes the admission controller's operator controls.
type CircuitAdmin interface {
	Snapshot() domain.AdmissionSnapshot
	TriggerCircuit(reason string)
	ResetCircuit()
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Freshness  FreshnessReader
	Scheduler  ScrapeTrigger
	Analysis   AnalysisRunner
	Engine     JobEngine
	Health     HealthReader
	Admission  CircuitAdmin
	Executions domain.JobExecutionRepository

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, freshness FreshnessReader, scheduler ScrapeTrigger, analysis AnalysisRunner, engine JobEngine, health HealthReader, admission CircuitAdmin, executions domain.JobExecutionRepository) *Server {
	return &Server{
		Cfg:        cfg,
		Freshness:  freshness,
		Scheduler:  scheduler,
		Analysis:   analysis,
		Engine:     engine,
		Health:     health,
		Admission:  admission,
		Executions: executions,
	}
}

// HealthHandler returns the supervisor's aggregate system health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Health.Status(r.Context()))
	}
}

// AdmissionMetricsHandler returns the admission controller snapshot.
func (s *Server) AdmissionMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Admission.Snapshot())
	}
}

// FreshnessHandler classifies every target of the project.
func (s *Server) FreshnessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.projectID(w, r)
		if !ok {
			return
		}
		status, err := s.Freshness.FreshnessStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ScrapeHandler runs a synchronous scrape batch for stale targets. 202
// signals that individual task failures are reported in the body, not as an
// HTTP error.
func (s *Server) ScrapeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.projectID(w, r)
		if !ok {
			return
		}
		result, err := s.Scheduler.CheckAndTrigger(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

// AnalyzeHandler triggers one analysis run for the project.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.projectID(w, r)
		if !ok {
			return
		}
		var opts domain.AnalysisOptions
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, r, err, nil)
			return
		}
		switch opts.Type {
		case "", domain.AnalysisCompetitive, domain.AnalysisTrend, domain.AnalysisComprehensive:
		default:
			writeError(w, r, fmt.Errorf("%w: unknown analysis type %q", domain.ErrInvalidArgument, opts.Type), nil)
			return
		}
		result, err := s.Analysis.TriggerAnalysis(r.Context(), id, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// AnalysisStatusHandler reports whether the project needs a new analysis.
func (s *Server) AnalysisStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.projectID(w, r)
		if !ok {
			return
		}
		status, err := s.Analysis.MonitorProject(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type jobListResponse struct {
	Jobs   []cronengine.JobStatus `json:"jobs"`
	Health []domain.JobHealth     `json:"health"`
}

// ListJobsHandler returns every installed job with its health assessment.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, jobListResponse{
			Jobs:   s.Engine.Jobs(),
			Health: s.Engine.PerformHealthChecks(),
		})
	}
}

type scheduleJobRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name" validate:"required,max=200"`
	Expression   string            `json:"expression" validate:"required,max=100"`
	Kind         domain.JobKind    `json:"kind" validate:"required,oneof=SCHEDULED_REPORT PERIODIC_ANALYSIS SYSTEM_MAINTENANCE FRESHNESS_SWEEP"`
	Active       *bool             `json:"active,omitempty"`
	MaxRetries   int               `json:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMs int64             `json:"retry_delay_ms" validate:"gte=0"`
	TimeoutMs    int64             `json:"timeout_ms" validate:"gte=0"`
	ProjectID    *string           `json:"project_id,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ScheduleJobHandler installs a validated job config. The engine validates
// the cron expression itself and rejects bad ones as invalid arguments.
func (s *Server) ScheduleJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleJobRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: job config rejected", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		job := domain.CronJob{
			ID:         req.ID,
			Name:       req.Name,
			Expression: req.Expression,
			Kind:       req.Kind,
			Active:     true,
			MaxRetries: req.MaxRetries,
			RetryDelay: time.Duration(req.RetryDelayMs) * time.Millisecond,
			Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
			ProjectID:  req.ProjectID,
			Timezone:   req.Timezone,
			Metadata:   req.Metadata,
		}
		if req.Active != nil {
			job.Active = *req.Active
		}
		id, err := s.Engine.ScheduleJob(r.Context(), job)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// PauseJobHandler stops future ticks for the job.
func (s *Server) PauseJobHandler() http.HandlerFunc {
	return s.jobAction("paused", func(ctx context.Context, id string) error {
		return s.Engine.PauseJob(ctx, id)
	})
}

// ResumeJobHandler restarts ticks, clearing failure counters.
func (s *Server) ResumeJobHandler() http.HandlerFunc {
	return s.jobAction("resumed", func(ctx context.Context, id string) error {
		return s.Engine.ResumeJob(ctx, id)
	})
}

// RunJobHandler triggers one out-of-schedule invocation.
func (s *Server) RunJobHandler() http.HandlerFunc {
	return s.jobAction("triggered", func(ctx context.Context, id string) error {
		return s.Engine.TriggerJob(ctx, id)
	})
}

func (s *Server) jobAction(verb string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := fn(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": verb})
	}
}

type executionView struct {
	ID         string                 `json:"id"`
	JobID      string                 `json:"job_id"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    *time.Time             `json:"ended_at,omitempty"`
	Status     domain.ExecutionStatus `json:"status"`
	Attempt    int                    `json:"attempt"`
	Output     string                 `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// ExecutionsHandler lists recent executions of one job, newest first.
func (s *Server) ExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument), nil)
			return
		}
		limit, ok := parseLimit(r.URL.Query().Get("limit"), 20, 100)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 100", domain.ErrInvalidArgument), nil)
			return
		}
		execs, err := s.Executions.ListByJob(r.Context(), id, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]executionView, 0, len(execs))
		for _, e := range execs {
			views = append(views, executionView{
				ID:         e.ID,
				JobID:      e.JobID,
				StartedAt:  e.StartedAt,
				EndedAt:    e.EndedAt,
				Status:     e.Status,
				Attempt:    e.Attempt,
				Output:     e.Output,
				Error:      e.Error,
				DurationMs: e.DurationMs,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": views})
	}
}

type circuitTripRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// CircuitTripHandler forces the breaker open. Operator-guarded.
func (s *Server) CircuitTripHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req circuitTripRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: reason required", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		s.Admission.TriggerCircuit(req.Reason)
		LoggerFrom(r).WarnContext(r.Context(), "circuit breaker tripped by operator",
			"reason", req.Reason)
		writeJSON(w, http.StatusOK, s.Admission.Snapshot())
	}
}

// CircuitResetHandler forces the breaker closed. Operator-guarded.
func (s *Server) CircuitResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Admission.ResetCircuit()
		LoggerFrom(r).InfoContext(r.Context(), "circuit breaker reset by operator")
		writeJSON(w, http.StatusOK, s.Admission.Snapshot())
	}
}

// ReadyzHandler verifies each configured dependency with a bounded ping. The
// first failing dependency is named in the 503 body.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	checks := []struct {
		name  string
		check func(ctx context.Context) error
	}{
		{"postgres", s.DBCheck},
		{"redis", s.RedisCheck},
		{"kafka", s.KafkaCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if c.check == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := c.check(ctx)
			cancel()
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":     "unavailable",
					"dependency": c.name,
					"error":      err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeError(w, r, fmt.Errorf("%w: malformed project id", domain.ErrInvalidArgument), nil)
		return "", false
	}
	return id, true
}

// decodeBody parses an optional JSON body. An empty body decodes to the zero
// value; malformed JSON is an invalid argument.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syn) || errors.As(err, &typ) {
			return fmt.Errorf("%w: malformed json body", domain.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
