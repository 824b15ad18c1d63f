package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/replydesk/internal/atomicfile"
)

const (
	// DefaultTick is how often due jobs are checked.
	DefaultTick = 30 * time.Second

	maxRunLog = 200
)

// ErrUnknownJob is returned for a job name that was never added.
var ErrUnknownJob = errors.New("cron: unknown job")

// ErrJobRunning is returned when a forced run overlaps a scheduled one.
var ErrJobRunning = errors.New("cron: job already running")

// Service schedules named jobs and records their outcomes.
type Service struct {
	statePath string
	tick      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	jobs     map[string]*Job
	runLog   []RunLogEntry
	retryCfg RetryConfig

	wg sync.WaitGroup
}

// NewService creates a service. statePath may be empty to keep state in
// memory only.
func NewService(statePath string) *Service {
	return &Service{
		statePath: statePath,
		tick:      DefaultTick,
		now:       time.Now,
		jobs:      make(map[string]*Job),
		retryCfg:  DefaultRetryConfig(),
	}
}

// SetRetryConfig overrides the default retry configuration.
func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.retryCfg = cfg
}

// Add registers a job. Persisted state from an earlier process is
// restored; the next run is always computed from now.
func (cs *Service) Add(name string, schedule Schedule, handler JobHandler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("cron: job needs a name and a handler")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.jobs[name]; exists {
		return fmt.Errorf("cron: job %s already added", name)
	}

	job := &Job{Name: name, Schedule: schedule, handler: handler}
	if saved, ok := cs.loadUnsafe()[name]; ok {
		job.State = saved
	}
	job.State.NextRun = nextRun(schedule, cs.now())
	cs.jobs[name] = job
	slog.Info("cron: job added", "job", name, "schedule", schedule.String(), "next", job.State.NextRun)
	return nil
}

// Jobs returns a snapshot of every job, sorted by name.
func (cs *Service) Jobs() []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Job, 0, len(cs.jobs))
	for _, j := range cs.jobs {
		out = append(out, Job{Name: j.Name, Schedule: j.Schedule, State: j.State})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunLog returns the most recent runs of name (all jobs when empty),
// newest last.
func (cs *Service) RunLog(name string, limit int) []RunLogEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []RunLogEntry
	for _, e := range cs.runLog {
		if name == "" || e.Job == name {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// RunJob runs name now, outside its schedule, and waits for it.
func (cs *Service) RunJob(ctx context.Context, name string) (string, error) {
	cs.mu.Lock()
	job, ok := cs.jobs[name]
	if !ok {
		cs.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if job.running {
		cs.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	job.running = true
	cs.mu.Unlock()

	return cs.execute(ctx, name)
}

// Run checks for due jobs every tick until ctx is cancelled, then waits
// for running jobs to return.
func (cs *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(cs.tick)
	defer ticker.Stop()

	slog.Info("cron: service started", "jobs", len(cs.Jobs()))
	for {
		select {
		case <-ctx.Done():
			cs.wg.Wait()
			slog.Info("cron: service stopped")
			return nil
		case <-ticker.C:
			cs.checkJobs(ctx)
		}
	}
}

// checkJobs starts every due job that is not already running.
func (cs *Service) checkJobs(ctx context.Context) {
	now := cs.now()

	cs.mu.Lock()
	var due []string
	for name, job := range cs.jobs {
		if job.running || job.State.NextRun.IsZero() || job.State.NextRun.After(now) {
			continue
		}
		job.running = true
		job.State.NextRun = time.Time{}
		due = append(due, name)
	}
	cs.mu.Unlock()

	for _, name := range due {
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			cs.execute(ctx, name)
		}()
	}
}

// execute runs a job already marked running and records the outcome.
func (cs *Service) execute(ctx context.Context, name string) (string, error) {
	cs.mu.Lock()
	job := cs.jobs[name]
	handler := job.handler
	retryCfg := cs.retryCfg
	cs.mu.Unlock()

	slog.Info("cron: executing job", "job", name)
	result, attempts, err := ExecuteWithRetry(ctx, handler, retryCfg)
	if attempts > 1 {
		slog.Info("cron: job retried", "job", name, "attempts", attempts, "success", err == nil)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.now()
	job.running = false
	job.State.LastRun = now
	job.State.Runs++
	job.State.NextRun = nextRun(job.Schedule, now)
	entry := RunLogEntry{At: now, Job: name, Attempts: attempts}
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		job.State.LastResult = ""
		entry.Status, entry.Error = "error", err.Error()
		slog.Error("cron: job failed", "job", name, "error", err)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		job.State.LastResult = TruncateOutput(result)
		entry.Status, entry.Summary = "ok", job.State.LastResult
		slog.Info("cron: job completed", "job", name, "result", result)
	}
	cs.runLog = append(cs.runLog, entry)
	if len(cs.runLog) > maxRunLog {
		cs.runLog = cs.runLog[len(cs.runLog)-maxRunLog:]
	}

	if serr := cs.saveUnsafe(); serr != nil {
		slog.Warn("cron: failed to persist state", "error", serr)
	}
	return result, err
}

// --- Schedule computation ---

func nextRun(schedule Schedule, now time.Time) time.Time {
	switch schedule.Kind {
	case "every":
		if schedule.Every <= 0 {
			return time.Time{}
		}
		return now.Add(schedule.Every)
	case "cron":
		next, err := gronx.NextTickAfter(schedule.Expr, now, false)
		if err != nil {
			slog.Error("cron: failed to compute next run", "expr", schedule.Expr, "error", err)
			return time.Time{}
		}
		return next
	default:
		return time.Time{}
	}
}

// ValidateSchedule reports schedules that can never fire.
func ValidateSchedule(schedule Schedule) error {
	switch schedule.Kind {
	case "every":
		if schedule.Every <= 0 {
			return fmt.Errorf("every schedule requires a positive interval")
		}
	case "cron":
		if schedule.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		gx := gronx.New()
		if !gx.IsValid(schedule.Expr) {
			return fmt.Errorf("invalid cron expression: %s", schedule.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
	return nil
}

// --- Persistence ---

func (cs *Service) loadUnsafe() map[string]JobState {
	if cs.statePath == "" {
		return nil
	}
	jobs, err := LoadState(cs.statePath)
	if err != nil {
		slog.Warn("cron: state file unreadable, starting fresh", "path", cs.statePath, "error", err)
		return nil
	}
	return jobs
}

// LoadState reads the persisted job states at path. A missing file yields
// an empty map.
func LoadState(path string) (map[string]JobState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]JobState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.Jobs == nil {
		sf.Jobs = map[string]JobState{}
	}
	return sf.Jobs, nil
}

func (cs *Service) saveUnsafe() error {
	if cs.statePath == "" {
		return nil
	}
	sf := stateFile{Version: 1, Jobs: make(map[string]JobState, len(cs.jobs))}
	for name, job := range cs.jobs {
		sf.Jobs[name] = job.State
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(cs.statePath, data, 0o644)
}
