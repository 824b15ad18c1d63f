// Package cron runs the gateway's periodic maintenance jobs.
//
// Two schedule kinds are supported:
//   - "every": fixed interval
//   - "cron":  standard cron expression (5-field, parsed by gronx)
//
// Failed runs are retried with exponential backoff. Each job's last
// outcome is persisted so operators can inspect it after a restart.
package cron

import (
	"context"
	"time"
)

// Schedule defines when a job should run.
type Schedule struct {
	Kind  string        `json:"kind"`            // "every" or "cron"
	Every time.Duration `json:"every,omitempty"` // interval (for "every")
	Expr  string        `json:"expr,omitempty"`  // cron expression (for "cron")
}

// Every returns an interval schedule.
func Every(d time.Duration) Schedule { return Schedule{Kind: "every", Every: d} }

// Expr returns a cron-expression schedule.
func Expr(expr string) Schedule { return Schedule{Kind: "cron", Expr: expr} }

func (s Schedule) String() string {
	if s.Kind == "every" {
		return "every " + s.Every.String()
	}
	return s.Expr
}

// JobState tracks runtime state for a job.
type JobState struct {
	NextRun    time.Time `json:"nextRun,omitzero"`
	LastRun    time.Time `json:"lastRun,omitzero"`
	LastStatus string    `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError  string    `json:"lastError,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
	Runs       int       `json:"runs"`
}

// JobHandler does the work of one run and returns a short summary.
type JobHandler func(ctx context.Context) (string, error)

// Job is a registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`

	handler JobHandler
	running bool
}

// RunLogEntry is an in-memory record of a job execution.
type RunLogEntry struct {
	At       time.Time `json:"at"`
	Job      string    `json:"job"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Attempts int       `json:"attempts"`
}

// stateFile is the persisted form: job name → state.
type stateFile struct {
	Version int                 `json:"version"`
	Jobs    map[string]JobState `json:"jobs"`
}
