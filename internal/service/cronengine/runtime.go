package cronengine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// jobState is the per-job position in the lifecycle machine.
type jobState string

const (
	stateReady          jobState = "READY"
	stateActive         jobState = "ACTIVE"
	stateRunning        jobState = "RUNNING"
	stateRetryScheduled jobState = "RETRY_SCHEDULED"
	stateRecovery       jobState = "RECOVERY"
	statePaused         jobState = "PAUSED"
)

// JobStatus is the externally visible runtime view of one job.
type JobStatus struct {
	Job                 domain.CronJob `json:"job"`
	State               string         `json:"state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastExecution       *time.Time     `json:"last_execution,omitempty"`
	LastSuccess         *time.Time     `json:"last_success,omitempty"`
	NextRun             *time.Time     `json:"next_run,omitempty"`
	WheelLive           bool           `json:"wheel_live"`
}

// jobRuntime carries the mutable per-job state. The run flag guarantees at
// most one invocation at a time; the loop fields guarantee at most one live
// tick wheel.
type jobRuntime struct {
	mu       sync.Mutex
	job      domain.CronJob
	schedule cron.Schedule

	state               jobState
	consecutiveFailures int
	lastExecution       *time.Time
	lastSuccess         *time.Time

	running    bool
	loopCancel context.CancelFunc
	loopLive   bool
	loopGen    int
}

func newJobRuntime(job domain.CronJob, schedule cron.Schedule) *jobRuntime {
	return &jobRuntime{job: job, schedule: schedule, state: stateReady}
}

func (rt *jobRuntime) id() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.job.ID
}

func (rt *jobRuntime) config() domain.CronJob {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.job
}

func (rt *jobRuntime) next(now time.Time) time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.schedule.Next(now)
}

func (rt *jobRuntime) currentState() jobState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *jobRuntime) setState(s jobState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = s
}

// tryBeginRun wins the single-invocation lock. Ticks that lose are skipped.
func (rt *jobRuntime) tryBeginRun() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running || rt.state == statePaused {
		return false
	}
	rt.running = true
	rt.state = stateRunning
	return true
}

func (rt *jobRuntime) endRun() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.running = false
	switch rt.state {
	case stateRunning, stateRetryScheduled:
		rt.state = stateActive
	}
}

// beginLoop replaces the loop context, cancelling any previous loop. The
// returned generation lets a superseded loop's endLoop become a no-op, so
// pause followed by an immediate resume cannot lose the wheel.
func (rt *jobRuntime) beginLoop(parent context.Context) (context.Context, int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.loopCancel != nil {
		rt.loopCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	rt.loopCancel = cancel
	rt.loopLive = true
	rt.loopGen++
	if rt.state == stateReady || rt.state == stateRecovery {
		rt.state = stateActive
	}
	return ctx, rt.loopGen
}

func (rt *jobRuntime) endLoop(gen int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if gen == rt.loopGen {
		rt.loopLive = false
	}
}

// pauseLoop stops ticks without changing the job state. Used by standard
// recovery while the restart is pending.
func (rt *jobRuntime) pauseLoop() {
	rt.mu.Lock()
	cancel := rt.loopCancel
	rt.loopCancel = nil
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (rt *jobRuntime) pause() {
	rt.mu.Lock()
	cancel := rt.loopCancel
	rt.loopCancel = nil
	rt.state = statePaused
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resume clears failure counters and RECOVERY state. The caller restarts the
// tick loop.
func (rt *jobRuntime) resume() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.consecutiveFailures = 0
	rt.state = stateActive
	rt.job.Active = true
}

func (rt *jobRuntime) markExecution(at time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := at
	rt.lastExecution = &t
}

func (rt *jobRuntime) recordSuccess(at time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.consecutiveFailures = 0
	t := at
	rt.lastSuccess = &t
}

func (rt *jobRuntime) recordFailure(time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.consecutiveFailures++
	return rt.consecutiveFailures
}

func (rt *jobRuntime) status(now time.Time) JobStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := JobStatus{
		Job:                 rt.job,
		State:               string(rt.state),
		ConsecutiveFailures: rt.consecutiveFailures,
		LastExecution:       rt.lastExecution,
		LastSuccess:         rt.lastSuccess,
		WheelLive:           rt.loopLive,
	}
	if rt.state != statePaused {
		next := rt.schedule.Next(now)
		st.NextRun = &next
	}
	return st
}
