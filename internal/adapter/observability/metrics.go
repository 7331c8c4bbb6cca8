package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by gate and outcome",
		},
		[]string{"gate", "outcome"},
	)
	CircuitStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_circuit_state",
			Help: "Circuit breaker position (0 closed, 1 half-open, 2 open)",
		},
	)
	GlobalInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_global_in_flight",
			Help: "Units of work currently holding a global concurrency slot",
		},
	)
	UsageCounters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_usage_requests",
			Help: "Admitted requests in the current usage window",
		},
		[]string{"window"},
	)
	CostGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_cost_usd",
			Help: "Accumulated cost in the current window, USD",
		},
		[]string{"window"},
	)

	ScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapes_total",
			Help: "Scrape attempts by outcome",
		},
		[]string{"outcome"},
	)
	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrape_duration_seconds",
			Help:    "End-to-end scrape duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	SnapshotsPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshots_persisted_total",
			Help: "Snapshots written to the object store",
		},
	)

	JobExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Cron job executions by kind and status",
		},
		[]string{"kind", "status"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Job invocations currently running",
		},
		[]string{"kind"},
	)

	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyses_total",
			Help: "Analysis runs by outcome",
		},
		[]string{"outcome"},
	)
	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Time from trigger to persisted analysis in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600, 7200},
		},
	)
	AnalysisSLOTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_slo_total",
			Help: "Analyses by time-to-analysis SLO result",
		},
		[]string{"result"},
	)
	ReportsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reports_enqueued_total",
			Help: "Report generation requests enqueued",
		},
	)

	RemediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediations_total",
			Help: "Self-healing actions by action and status",
		},
		[]string{"action", "status"},
	)
	SystemHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_health_score",
			Help: "Overall health score (0-100)",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AdmissionDecisionsTotal)
	prometheus.MustRegister(CircuitStateGauge)
	prometheus.MustRegister(GlobalInFlight)
	prometheus.MustRegister(UsageCounters)
	prometheus.MustRegister(CostGauge)
	prometheus.MustRegister(ScrapesTotal)
	prometheus.MustRegister(ScrapeDuration)
	prometheus.MustRegister(SnapshotsPersistedTotal)
	prometheus.MustRegister(JobExecutionsTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(AnalysesTotal)
	prometheus.MustRegister(AnalysisDuration)
	prometheus.MustRegister(AnalysisSLOTotal)
	prometheus.MustRegister(ReportsEnqueuedTotal)
	prometheus.MustRegister(RemediationsTotal)
	prometheus.MustRegister(SystemHealthScore)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// Recorder wires the Prometheus series into the metrics interfaces the
// pipeline components accept at construction.
type Recorder struct{}

func NewRecorder() Recorder { return Recorder{} }

func (Recorder) Decision(gate domain.AdmissionGate, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	AdmissionDecisionsTotal.WithLabelValues(string(gate), outcome).Inc()
}

func (Recorder) CircuitState(state domain.CircuitStateKind) {
	switch state {
	case domain.CircuitClosed:
		CircuitStateGauge.Set(0)
	case domain.CircuitHalfOpen:
		CircuitStateGauge.Set(1)
	case domain.CircuitOpened:
		CircuitStateGauge.Set(2)
	}
}

func (Recorder) InFlight(global int)            { GlobalInFlight.Set(float64(global)) }
func (Recorder) Usage(hourly, daily int)        { UsageCounters.WithLabelValues("hourly").Set(float64(hourly)); UsageCounters.WithLabelValues("daily").Set(float64(daily)) }
func (Recorder) Cost(hourlyUSD, dailyUSD float64) {
	CostGauge.WithLabelValues("hourly").Set(hourlyUSD)
	CostGauge.WithLabelValues("daily").Set(dailyUSD)
}

func (Recorder) ScrapeOutcome(outcome string, dur time.Duration) {
	ScrapesTotal.WithLabelValues(outcome).Inc()
	ScrapeDuration.Observe(dur.Seconds())
}
func (Recorder) SnapshotPersisted() { SnapshotsPersistedTotal.Inc() }

func (Recorder) JobStarted(kind domain.JobKind) { JobsRunning.WithLabelValues(string(kind)).Inc() }
func (Recorder) JobFinished(kind domain.JobKind, status domain.ExecutionStatus) {
	JobsRunning.WithLabelValues(string(kind)).Dec()
	JobExecutionsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (Recorder) AnalysisOutcome(outcome string, dur time.Duration, sloMet bool) {
	AnalysesTotal.WithLabelValues(outcome).Inc()
	AnalysisDuration.Observe(dur.Seconds())
	if outcome != "success" {
		return
	}
	result := "TARGET_EXCEEDED"
	if sloMet {
		result = "TARGET_MET"
	}
	AnalysisSLOTotal.WithLabelValues(result).Inc()
}
func (Recorder) ReportEnqueued() { ReportsEnqueuedTotal.Inc() }

func (Recorder) Remediation(action, status string) {
	RemediationsTotal.WithLabelValues(action, status).Inc()
}
func (Recorder) HealthScore(score int) { SystemHealthScore.Set(float64(score)) }
