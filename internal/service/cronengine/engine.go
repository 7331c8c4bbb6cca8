// Package cronengine executes named jobs on cron-expression schedules with
// retry, timeout, persistence, health monitoring, and recovery.
package cronengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// Handler executes one job invocation and returns its output.
type Handler func(ctx context.Context, job domain.CronJob) (string, error)

// Options configures an Engine. Zero values fall back to the defaults
// documented on each field.
type Options struct {
	ExecutionRetention     int           // default 100
	MaxConsecutiveFailures int           // default 3, standard recovery threshold
	EscalationThreshold    int           // default 5, pause + emergency threshold
	RecoveryDelay          time.Duration // default 60s
	DefaultTimeout         time.Duration // default 600s
	DefaultMaxRetries      int           // default 3
	DefaultRetryDelay      time.Duration // default 30s

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ExecutionRetention <= 0 {
		o.ExecutionRetention = 100
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = 5
	}
	if o.RecoveryDelay <= 0 {
		o.RecoveryDelay = time.Minute
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 600 * time.Second
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 3
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Metrics receives job lifecycle events.
type Metrics interface {
	JobStarted(kind domain.JobKind)
	JobFinished(kind domain.JobKind, status domain.ExecutionStatus)
}

type nopMetrics struct{}

func (nopMetrics) JobStarted(domain.JobKind)                          {}
func (nopMetrics) JobFinished(domain.JobKind, domain.ExecutionStatus) {}

// Engine owns the job runtimes. Persisted job configs are the source of
// truth: Start reloads them and starts tick loops for active jobs.
type Engine struct {
	jobs  domain.CronJobRepository
	execs domain.JobExecutionRepository
	opts  Options

	parser  cron.Parser
	metrics Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[domain.JobKind]Handler
	runtimes map[string]*jobRuntime
	started  bool

	// OnEmergency is invoked when a job crosses the escalation threshold and
	// is paused. Optional.
	OnEmergency func(jobID, reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. Handlers are registered per job kind before Start.
func New(jobs domain.CronJobRepository, execs domain.JobExecutionRepository, opts Options, metrics Metrics, logger *slog.Logger) *Engine {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		jobs:     jobs,
		execs:    execs,
		opts:     opts.withDefaults(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[domain.JobKind]Handler),
		runtimes: make(map[string]*jobRuntime),
	}
}

// RegisterHandler binds a job kind to its invocation body. Must be called
// before Start or ScheduleJob installs a job of that kind.
func (e *Engine) RegisterHandler(kind domain.JobKind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Start settles executions left RUNNING by a previous process, reloads
// persisted jobs, and starts tick loops for active ones.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine already started", domain.ErrConflict)
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if n, err := e.execs.FailRunning(ctx, "process_restart"); err != nil {
		e.logger.Warn("settling interrupted executions failed", slog.Any("error", err))
	} else if n > 0 {
		e.logger.Info("interrupted executions marked failed", slog.Int("count", n))
	}

	jobs, err := e.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("op=cronengine.Start: %w", err)
	}
	for _, job := range jobs {
		if err := e.install(job, false); err != nil {
			e.logger.Error("persisted job failed to install",
				slog.String("job_id", job.ID),
				slog.String("expression", job.Expression),
				slog.Any("error", err))
		}
	}
	e.logger.Info("cron engine started", slog.Int("jobs", len(jobs)))
	return nil
}

// Stop cancels all tick loops and waits for running invocations to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("cron engine stopped")
}

// ScheduleJob validates the config, persists it, and installs the runtime.
// The job starts ticking immediately when active.
func (e *Engine) ScheduleJob(ctx context.Context, job domain.CronJob) (string, error) {
	job = e.applyDefaults(job)
	if _, err := e.parseSchedule(job); err != nil {
		return "", err
	}
	e.mu.Lock()
	_, known := e.handlers[job.Kind]
	e.mu.Unlock()
	if !known {
		return "", fmt.Errorf("%w: no handler registered for job kind %s", domain.ErrInvalidArgument, job.Kind)
	}

	id, err := e.jobs.Upsert(ctx, job)
	if err != nil {
		return "", err
	}
	job.ID = id
	if err := e.install(job, true); err != nil {
		return "", err
	}
	e.logger.Info("job scheduled",
		slog.String("job_id", id),
		slog.String("name", job.Name),
		slog.String("kind", string(job.Kind)),
		slog.String("expression", job.Expression),
		slog.Bool("active", job.Active))
	return id, nil
}

// PauseJob stops future ticks. A currently running invocation finishes under
// its timeout.
func (e *Engine) PauseJob(ctx context.Context, id string) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}
	if err := e.jobs.SetActive(ctx, id, false); err != nil {
		return err
	}
	rt.pause()
	e.logger.Info("job paused", slog.String("job_id", id))
	return nil
}

// ResumeJob restarts ticks, clearing failure counters and any RECOVERY state.
func (e *Engine) ResumeJob(ctx context.Context, id string) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}
	if err := e.jobs.SetActive(ctx, id, true); err != nil {
		return err
	}
	rt.resume()
	e.startLoop(rt)
	e.logger.Info("job resumed", slog.String("job_id", id))
	return nil
}

// TriggerJob forces an immediate invocation, honoring timeouts and retries.
// A job that is already running or waiting on a retry conflicts.
func (e *Engine) TriggerJob(ctx context.Context, id string) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}
	if !rt.tryBeginRun() {
		return fmt.Errorf("%w: job %s has an invocation in progress", domain.ErrConflict, id)
	}
	e.invoke(ctx, rt)
	return nil
}

// Jobs lists the installed jobs with their runtime state.
func (e *Engine) Jobs() []JobStatus {
	e.mu.Lock()
	rts := make([]*jobRuntime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		rts = append(rts, rt)
	}
	e.mu.Unlock()

	out := make([]JobStatus, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.status(e.opts.Now()))
	}
	return out
}

// install parses the job schedule and (re)installs its runtime, starting the
// tick loop when the job is active. replace controls whether an existing
// runtime is torn down first.
func (e *Engine) install(job domain.CronJob, replace bool) error {
	job = e.applyDefaults(job)
	schedule, err := e.parseSchedule(job)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if old, ok := e.runtimes[job.ID]; ok {
		if !replace {
			e.mu.Unlock()
			return fmt.Errorf("%w: job %s already installed", domain.ErrConflict, job.ID)
		}
		old.pause()
	}
	rt := newJobRuntime(job, schedule)
	e.runtimes[job.ID] = rt
	e.mu.Unlock()

	if job.Active {
		rt.setState(stateActive)
		e.startLoop(rt)
	}
	return nil
}

// parseSchedule validates the timezone and cron expression and returns the
// location-aware schedule.
func (e *Engine) parseSchedule(job domain.CronJob) (cron.Schedule, error) {
	tz := job.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidArgument, tz)
	}
	spec := job.Expression
	if tz != "UTC" {
		spec = "CRON_TZ=" + tz + " " + spec
	} else {
		spec = "CRON_TZ=UTC " + spec
	}
	schedule, err := e.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", domain.ErrInvalidArgument, job.Expression, err)
	}
	return schedule, nil
}

func (e *Engine) applyDefaults(job domain.CronJob) domain.CronJob {
	if job.Timeout <= 0 {
		job.Timeout = e.opts.DefaultTimeout
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = e.opts.DefaultMaxRetries
	}
	if job.RetryDelay <= 0 {
		job.RetryDelay = e.opts.DefaultRetryDelay
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	return job
}

func (e *Engine) runtime(id string) (*jobRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return rt, nil
}

// startLoop launches the tick loop goroutine for the runtime. Each runtime
// has at most one live loop; restarting replaces the loop context.
func (e *Engine) startLoop(rt *jobRuntime) {
	e.mu.Lock()
	if e.ctx == nil {
		// Engine not started yet; Start will not relaunch installed loops, so
		// bind to a background lifetime created lazily.
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	loopCtx, gen := rt.beginLoop(e.ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer rt.endLoop(gen)
		for {
			now := e.opts.Now()
			next := rt.next(now)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if !rt.tryBeginRun() {
					e.logger.Warn("tick skipped, invocation in progress",
						slog.String("job_id", rt.id()),
						slog.String("state", string(rt.currentState())))
					continue
				}
				e.invoke(loopCtx, rt)
			}
		}
	}()
}

// invoke runs one logical invocation: the initial attempt plus up to
// MaxRetries retries, each bounded by the job timeout and recorded as its
// own execution row. The caller must have won tryBeginRun.
func (e *Engine) invoke(ctx context.Context, rt *jobRuntime) {
	defer rt.endRun()
	job := rt.config()

	e.mu.Lock()
	handler := e.handlers[job.Kind]
	e.mu.Unlock()
	if handler == nil {
		e.logger.Error("no handler for job kind",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)))
		return
	}

	attempts := 1 + job.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			rt.setState(stateRetryScheduled)
			delay := job.RetryDelay * time.Duration(attempt-1)
			if err := sleepContext(ctx, delay); err != nil {
				return
			}
			rt.setState(stateRunning)
		}

		status, output, runErr := e.runAttempt(ctx, rt, job, handler, attempt, attempt == attempts)
		if status == domain.ExecSuccess {
			rt.recordSuccess(e.opts.Now())
			e.logger.Info("job execution succeeded",
				slog.String("job_id", job.ID),
				slog.String("kind", string(job.Kind)),
				slog.Int("attempt", attempt),
				slog.Int("output_len", len(output)))
			return
		}

		failures := rt.recordFailure(e.opts.Now())
		e.logger.Warn("job execution failed",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("attempt", attempt),
			slog.String("status", string(status)),
			slog.Int("consecutive_failures", failures),
			slog.Any("error", runErr))
		e.reactToFailures(rt, failures)
		if rt.currentState() == statePaused {
			return
		}
	}
	rt.setState(stateRecovery)
	e.logger.Error("job retries exhausted, awaiting recovery",
		slog.String("job_id", job.ID),
		slog.Int("attempts", attempts))
}

// runAttempt executes the handler once under the job timeout and persists
// the execution row pair (RUNNING, then the final status).
func (e *Engine) runAttempt(ctx context.Context, rt *jobRuntime, job domain.CronJob, handler Handler, attempt int, final bool) (domain.ExecutionStatus, string, error) {
	start := e.opts.Now()
	execID, err := e.execs.Append(ctx, domain.JobExecution{
		JobID:     job.ID,
		StartedAt: start,
		Status:    domain.ExecRunning,
		Attempt:   attempt,
	})
	if err != nil {
		e.logger.Error("execution row append failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
	rt.markExecution(start)
	e.metrics.JobStarted(job.Kind)

	type outcome struct {
		output string
		err    error
	}
	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	done := make(chan outcome, 1)
	go func() {
		out, herr := handlerSafe(attemptCtx, handler, job)
		done <- outcome{output: out, err: herr}
	}()

	var status domain.ExecutionStatus
	var output string
	var runErr error
	select {
	case o := <-done:
		cancel()
		output, runErr = o.output, o.err
		switch {
		case runErr == nil:
			status = domain.ExecSuccess
		case final:
			status = domain.ExecFailed
		default:
			status = domain.ExecRetry
		}
	case <-attemptCtx.Done():
		cancel()
		if ctx.Err() != nil {
			// Engine shutdown, not a job timeout.
			status = domain.ExecFailed
			runErr = ctx.Err()
		} else {
			status = domain.ExecTimeout
			runErr = fmt.Errorf("%w: exceeded %s", domain.ErrJobTimeout, job.Timeout)
		}
	}

	end := e.opts.Now()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if execID != "" {
		if cerr := e.execs.Complete(context.WithoutCancel(ctx), execID, status, output, errMsg, end, end.Sub(start).Milliseconds()); cerr != nil {
			e.logger.Error("execution row completion failed",
				slog.String("job_id", job.ID),
				slog.String("execution_id", execID),
				slog.Any("error", cerr))
		}
		if _, terr := e.execs.Trim(context.WithoutCancel(ctx), job.ID, e.opts.ExecutionRetention); terr != nil {
			e.logger.Warn("execution retention trim failed",
				slog.String("job_id", job.ID),
				slog.Any("error", terr))
		}
	}
	e.metrics.JobFinished(job.Kind, status)
	return status, output, runErr
}

// reactToFailures applies the self-healing thresholds: at
// MaxConsecutiveFailures the tick wheel restarts after RecoveryDelay, at
// EscalationThreshold the job is paused and the emergency signal raised.
func (e *Engine) reactToFailures(rt *jobRuntime, failures int) {
	switch failures {
	case e.opts.EscalationThreshold:
		reason := fmt.Sprintf("%d consecutive failures reached escalation threshold", failures)
		e.logger.Error("job escalated and paused",
			slog.String("job_id", rt.id()),
			slog.String("reason", reason))
		rt.pause()
		if err := e.jobs.SetActive(context.Background(), rt.id(), false); err != nil {
			e.logger.Error("persisting escalation pause failed",
				slog.String("job_id", rt.id()),
				slog.Any("error", err))
		}
		if e.OnEmergency != nil {
			e.OnEmergency(rt.id(), reason)
		}
	case e.opts.MaxConsecutiveFailures:
		e.logger.Warn("standard recovery scheduled",
			slog.String("job_id", rt.id()),
			slog.Duration("delay", e.opts.RecoveryDelay))
		rt.pauseLoop()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.mu.Lock()
			ctx := e.ctx
			e.mu.Unlock()
			if ctx == nil {
				return
			}
			if err := sleepContext(ctx, e.opts.RecoveryDelay); err != nil {
				return
			}
			if rt.currentState() == statePaused {
				return
			}
			e.logger.Info("tick wheel restarted after recovery delay",
				slog.String("job_id", rt.id()))
			e.startLoop(rt)
		}()
	}
}

// handlerSafe converts a handler panic into an error so one bad job never
// crashes the engine.
func handlerSafe(ctx context.Context, h Handler, job domain.CronJob) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrInternal, r)
		}
	}()
	if h == nil {
		return "", fmt.Errorf("%w: no handler", domain.ErrInternal)
	}
	return h(ctx, job)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
