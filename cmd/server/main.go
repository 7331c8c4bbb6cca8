// Command server starts the competitive intelligence pipeline HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/ai/anthropic"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/ai/real"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/ai/stub"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/ai/tokencost"
	rediscache "github.com/fairyhunter13/compintel-pipeline/internal/adapter/cache/redis"
	httpserver "github.com/fairyhunter13/compintel-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/scraper/httpdriver"
	"github.com/fairyhunter13/compintel-pipeline/internal/app"
	"github.com/fairyhunter13/compintel-pipeline/internal/config"
	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
	"github.com/fairyhunter13/compintel-pipeline/internal/service/admission"
	"github.com/fairyhunter13/compintel-pipeline/internal/service/cronengine"
	"github.com/fairyhunter13/compintel-pipeline/internal/service/health"
	"github.com/fairyhunter13/compintel-pipeline/internal/usecase"
)

func main() {
	seedPath := flag.String("seed", "", "load projects and targets from a YAML file, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, admission, scrape, job, and analysis instrumentation.
	observability.InitMetrics()
	rec := observability.NewRecorder()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if *seedPath != "" {
		if err := runSeed(ctx, pool, *seedPath); err != nil {
			slog.Error("seed failed", slog.String("path", *seedPath), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("seed completed", slog.String("path", *seedPath))
		return
	}

	// Repositories
	projRepo := postgres.NewProjectRepo(pool)
	tgtRepo := postgres.NewTargetRepo(pool)
	snapRepo := postgres.NewSnapshotRepo(pool)
	jobRepo := postgres.NewCronJobRepo(pool)
	execRepo := postgres.NewExecutionRepo(pool)
	analysisRepo := postgres.NewAnalysisRepo(pool)

	// Snapshot fallback cache (optional)
	var cache *rediscache.SnapshotCache
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		cache = rediscache.New(goredis.NewClient(redisOpts), cfg.SnapshotCacheTTL)
		slog.Info("snapshot cache enabled", slog.Duration("ttl", cfg.SnapshotCacheTTL))
	}

	// Report queue (optional Kafka/Redpanda; dev falls back to a logging queue)
	var reports domain.ReportQueue
	var producer *redpanda.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = redpanda.NewProducer(cfg.KafkaBrokers, "")
		if err != nil {
			slog.Error("redpanda producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close report producer", slog.Any("error", err))
			}
		}()
		reports = producer.WithMetrics(rec)
	} else {
		slog.Warn("no kafka brokers configured, report requests will only be logged")
		reports = logReportQueue{logger: logger}
	}

	// Admission controller with its background throttle maintenance
	controller := admission.NewController(admission.Options{
		MaxConcurrentPerProject: cfg.MaxConcurrentPerProject,
		MaxGlobalConcurrent:     cfg.MaxGlobalConcurrent,
		PerDomainThrottle:       cfg.PerDomainThrottle,
		PerProjectThrottle:      cfg.PerProjectThrottle,
		DailySnapshotLimit:      cfg.DailySnapshotLimit,
		HourlySnapshotLimit:     cfg.HourlySnapshotLimit,
		CircuitErrorThreshold:   cfg.CircuitErrorThreshold,
		CircuitWindow:           cfg.CircuitWindow,
		CircuitRecovery:         cfg.CircuitRecovery,
		CircuitHalfOpenRequests: cfg.CircuitHalfOpenRequests,
		MaxDailyCostUSD:         cfg.MaxDailyCostUSD,
		MaxHourlyCostUSD:        cfg.MaxHourlyCostUSD,
		CostPerSnapshotUSD:      cfg.CostPerSnapshotUSD,
		CleanupInterval:         cfg.AdmissionCleanup,
	}, rec, logger)
	go controller.RunMaintenance(ctx)

	// AI analysis backend
	var aiClient domain.AnalysisClient
	switch cfg.AnalysisProvider {
	case "openai":
		aiClient = real.New(cfg)
	case "anthropic":
		aiClient = anthropic.New(cfg)
	default:
		aiClient = stub.New()
	}
	slog.Info("analysis backend initialized", slog.String("provider", cfg.AnalysisProvider))

	// Usecases
	freshness := usecase.NewFreshnessService(projRepo, tgtRepo, snapRepo,
		cfg.FreshnessThreshold(), cfg.HighPriorityAge())

	scheduler := usecase.NewSchedulerService(freshness, snapRepo, httpdriver.New(), controller,
		usecase.SchedulerOptions{
			Retry: domain.ScrapeRetryPolicy{
				MaxRetries: cfg.ScrapeMaxRetries,
				BaseDelay:  cfg.ScrapeBackoffBase,
				MaxDelay:   cfg.ScrapeBackoffMax,
			},
			ScrapeOpts: domain.ScrapeOptions{
				Timeout:   cfg.ScrapeTimeout,
				UserAgent: cfg.ScrapeUserAgent,
			},
			TaskDelay:          cfg.TaskExecutionDelay,
			MinContentLength:   cfg.MinContentLength,
			RetentionPerTarget: cfg.SnapshotRetentionPerTgt,
		})
	scheduler.Metrics = rec
	scheduler.Logger = logger
	if cache != nil {
		scheduler.Cache = cache
	}

	analysis := usecase.NewAnalysisService(projRepo, tgtRepo, snapRepo, analysisRepo,
		freshness, scheduler, aiClient, reports,
		usecase.AnalysisConfig{
			SnapshotsPerTarget:   cfg.SnapshotsPerTarget,
			MinContentLength:     cfg.MinAnalysisContentLength,
			MaxRetries:           cfg.AnalysisMaxRetries,
			RetryDelay:           cfg.AnalysisBackoffInitial,
			TargetTimeToAnalysis: cfg.TargetTimeToAnalysis,
		})
	analysis.Admission = controller
	analysis.Estimator = tokencost.NewEstimator(cfg.CostPer1KTokensUSD)
	analysis.Metrics = rec
	analysis.Logger = logger

	// Retention eviction, shared by the maintenance job and the supervisor
	cleanup := postgres.NewCleanupService(pool, cfg.SnapshotRetentionPerTgt, cfg.ExecutionRetention)

	// Cron engine
	engine := cronengine.New(jobRepo, execRepo, cronengine.Options{
		ExecutionRetention:     cfg.ExecutionRetention,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		EscalationThreshold:    cfg.EscalationThreshold,
		RecoveryDelay:          cfg.RecoveryDelay,
		DefaultTimeout:         cfg.JobDefaultTimeout,
		DefaultMaxRetries:      cfg.JobDefaultMaxRetries,
		DefaultRetryDelay:      cfg.JobDefaultRetryDelay,
	}, rec, logger)
	engine.OnEmergency = func(jobID, reason string) {
		slog.Error("job escalated and paused, operator attention required",
			slog.String("job_id", jobID), slog.String("reason", reason))
	}
	registerJobHandlers(engine, projRepo, scheduler, analysis, cleanup)

	if err := engine.Start(ctx); err != nil {
		slog.Error("cron engine start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.Stop()

	if err := installBuiltinJobs(ctx, engine); err != nil {
		slog.Error("builtin job install failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Health supervisor
	supervisor := health.New(controller, engine, health.Options{
		Interval:         cfg.HealthCheckInterval,
		Cooldown:         cfg.RemediationCooldown,
		Enabled:          remediationActions(cfg.RemediationsEnabled),
		ReduceLoadFactor: cfg.ReduceLoadFactor,
	})
	supervisor.Targets = tgtRepo
	supervisor.Snapshots = snapRepo
	if cache != nil {
		supervisor.Cache = cache
	}
	supervisor.Cleaner = cleanup
	supervisor.Metrics = rec
	supervisor.Logger = logger
	go supervisor.Run(ctx)

	// Readiness checks; unconfigured optional deps are skipped
	var cachePinger, producerPinger app.Pinger
	if cache != nil {
		cachePinger = cache
	}
	if producer != nil {
		producerPinger = producer
	}
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, cachePinger, producerPinger)

	// HTTP server
	srv := httpserver.NewServer(cfg, freshness, scheduler, analysis, engine, supervisor, controller, execRepo)
	srv.DBCheck = dbCheck
	srv.RedisCheck = redisCheck
	srv.KafkaCheck = kafkaCheck

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// registerJobHandlers binds each job kind to its invocation body. Handlers
// return a short summary string persisted in the execution row.
func registerJobHandlers(
	engine *cronengine.Engine,
	projects domain.ProjectRepository,
	scheduler usecase.SchedulerService,
	analysis usecase.AnalysisService,
	cleanup *postgres.CleanupService,
) {
	engine.RegisterHandler(domain.JobFreshnessSweep, func(ctx context.Context, job domain.CronJob) (string, error) {
		ids, err := jobProjects(ctx, projects, job)
		if err != nil {
			return "", err
		}
		var executed, failed int
		for _, id := range ids {
			res, err := scheduler.CheckAndTrigger(ctx, id)
			if err != nil {
				failed++
				slog.WarnContext(ctx, "freshness sweep project failed",
					slog.String("project_id", id), slog.Any("error", err))
				continue
			}
			executed += res.TasksExecuted
		}
		if failed == len(ids) && failed > 0 {
			return "", fmt.Errorf("op=job.freshness_sweep: all %d projects failed", failed)
		}
		return fmt.Sprintf("projects=%d tasks_executed=%d failed=%d", len(ids), executed, failed), nil
	})

	engine.RegisterHandler(domain.JobPeriodicAnalysis, func(ctx context.Context, job domain.CronJob) (string, error) {
		ids, err := jobProjects(ctx, projects, job)
		if err != nil {
			return "", err
		}
		var triggered, skipped, failed int
		for _, id := range ids {
			status, err := analysis.MonitorProject(ctx, id)
			if err != nil {
				failed++
				slog.WarnContext(ctx, "periodic analysis monitor failed",
					slog.String("project_id", id), slog.Any("error", err))
				continue
			}
			if !status.NeedsAnalysis {
				skipped++
				continue
			}
			if _, err := analysis.TriggerAnalysis(ctx, id, domain.AnalysisOptions{}); err != nil {
				failed++
				slog.WarnContext(ctx, "periodic analysis trigger failed",
					slog.String("project_id", id), slog.Any("error", err))
				continue
			}
			triggered++
		}
		return fmt.Sprintf("projects=%d triggered=%d skipped=%d failed=%d", len(ids), triggered, skipped, failed), nil
	})

	engine.RegisterHandler(domain.JobScheduledReport, func(ctx context.Context, job domain.CronJob) (string, error) {
		if job.ProjectID == nil || *job.ProjectID == "" {
			return "", fmt.Errorf("%w: scheduled report job requires a project id", domain.ErrInvalidArgument)
		}
		ids, err := jobProjects(ctx, projects, job)
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return fmt.Sprintf("skipped: project %s is not active", *job.ProjectID), nil
		}
		opts := domain.AnalysisOptions{
			ReportTemplate: job.Metadata["template"],
			Priority:       job.Metadata["priority"],
		}
		result, err := analysis.TriggerAnalysis(ctx, ids[0], opts)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("analysis_id=%s report_id=%s", result.AnalysisID, result.ReportID), nil
	})

	engine.RegisterHandler(domain.JobSystemMaintenance, func(ctx context.Context, _ domain.CronJob) (string, error) {
		removed, err := cleanup.Cleanup(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rows_removed=%d", removed), nil
	})
}

// jobProjects resolves the project scope of a job: its bound project when
// set, otherwise every ACTIVE project. A bound job's effective active flag is
// the job flag AND the project being ACTIVE, so a non-active bound project
// yields no work.
func jobProjects(ctx context.Context, projects domain.ProjectRepository, job domain.CronJob) ([]string, error) {
	if job.ProjectID != nil && *job.ProjectID != "" {
		p, err := projects.Find(ctx, *job.ProjectID)
		if err != nil {
			return nil, err
		}
		if p.Status != domain.ProjectActive {
			return nil, nil
		}
		return []string{p.ID}, nil
	}
	active := domain.ProjectActive
	list, err := projects.List(ctx, &active)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// installBuiltinJobs upserts the always-on system jobs under fixed ids so
// restarts reconfigure rather than duplicate them.
func installBuiltinJobs(ctx context.Context, engine *cronengine.Engine) error {
	builtins := []domain.CronJob{
		{
			ID:         "builtin-freshness-sweep",
			Name:       "freshness sweep",
			Expression: "0 */4 * * *",
			Kind:       domain.JobFreshnessSweep,
			Active:     true,
		},
		{
			ID:         "builtin-periodic-analysis",
			Name:       "periodic analysis",
			Expression: "15 */6 * * *",
			Kind:       domain.JobPeriodicAnalysis,
			Active:     true,
		},
		{
			ID:         "builtin-system-maintenance",
			Name:       "system maintenance",
			Expression: "30 3 * * *",
			Kind:       domain.JobSystemMaintenance,
			Active:     true,
		},
	}
	for _, job := range builtins {
		if _, err := engine.ScheduleJob(ctx, job); err != nil {
			return fmt.Errorf("op=builtin.%s: %w", job.ID, err)
		}
	}
	return nil
}

// remediationActions converts the configured action names.
func remediationActions(names []string) []domain.RemediationAction {
	out := make([]domain.RemediationAction, 0, len(names))
	for _, n := range names {
		out = append(out, domain.RemediationAction(n))
	}
	return out
}
