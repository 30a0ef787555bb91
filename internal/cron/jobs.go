package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ApprovalPruner is the subset of approval.Gate needed by cron jobs.
// Defined here to avoid a dependency on the approval package.
type ApprovalPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// ApprovalCleanupJob removes decided approval requests older than MaxAge.
// Pending requests are never pruned.
type ApprovalCleanupJob struct {
	Gate         ApprovalPruner
	MaxAge       time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/10 * * * *"
}

// Compile-time interface check.
var _ Job = (*ApprovalCleanupJob)(nil)

// Name implements Job.
func (j *ApprovalCleanupJob) Name() string { return "approval_cleanup" }

// Schedule implements Job.
func (j *ApprovalCleanupJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/10 * * * *"
}

// Run prunes decided requests older than MaxAge.
func (j *ApprovalCleanupJob) Run(ctx context.Context) error {
	pruned, err := j.Gate.Cleanup(ctx, j.MaxAge)
	if err != nil {
		return fmt.Errorf("cron: approval cleanup: %w", err)
	}
	if pruned > 0 {
		j.Logger.Info("cron: pruned decided approvals", "count", pruned)
	}
	return nil
}

// HistoryPruner is the subset of history.Store needed by cron jobs.
type HistoryPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HistoryRetentionJob deletes execution history older than MaxAge.
type HistoryRetentionJob struct {
	Store        HistoryPruner
	MaxAge       time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"
}

// Compile-time interface check.
var _ Job = (*HistoryRetentionJob)(nil)

// Name implements Job.
func (j *HistoryRetentionJob) Name() string { return "history_retention" }

// Schedule implements Job.
func (j *HistoryRetentionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run deletes history rows older than MaxAge.
func (j *HistoryRetentionJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: history retention cancelled: %w", ctx.Err())
	}
	pruned, err := j.Store.Prune(ctx, j.MaxAge)
	if err != nil {
		return fmt.Errorf("cron: history retention: %w", err)
	}
	if pruned > 0 {
		j.Logger.Info("cron: pruned execution history", "rows", pruned)
	}
	return nil
}
