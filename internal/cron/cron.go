// Package cron runs the engine's housekeeping on a schedule: container
// sweeps, pruning of decided approvals and history retention.
package cron

import (
	"context"
	"time"
)

// Job is one housekeeping task.
type Job interface {
	// Name identifies the job in logs, status output and Trigger.
	Name() string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 30m" or "@hourly".
	Schedule() string

	// Run performs one pass. ctx is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Running   bool          `json:"running"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitzero"`
	LastTook  time.Duration `json:"last_took_ns,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   time.Time     `json:"next_run,omitzero"`
}
