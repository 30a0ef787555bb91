// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"time"

	"github.com/flemzord/mcpexec/internal/cron"
)

// Job records each run and returns Err.
type Job struct {
	JobName string
	Expr    string
	Err     error

	mu   sync.Mutex
	runs []time.Time
}

var _ cron.Job = (*Job)(nil)

// Name implements cron.Job.
func (j *Job) Name() string { return j.JobName }

// Schedule implements cron.Job. An empty Expr means hourly.
func (j *Job) Schedule() string {
	if j.Expr == "" {
		return "@hourly"
	}
	return j.Expr
}

// Run implements cron.Job.
func (j *Job) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runs = append(j.runs, time.Now())
	j.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.Err
}

// Runs returns how many times Run was called.
func (j *Job) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.runs)
}
