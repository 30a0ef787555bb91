// Package cleanup removes sandbox containers that outlived their request:
// orphans whose removal failed and labeled containers older than a maximum
// age, including ones left behind by a crashed process.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/metrics"
	"github.com/flemzord/mcpexec/internal/sandbox/container"
)

// JobName is the supervisor's cron job name.
const JobName = "sandbox_cleanup"

// Config holds the supervisor settings. Zero values take defaults.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxPerRun int           `yaml:"max_per_run"`
}

// WithDefaults fills zero fields: 60s, 1h, 100.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.MaxPerRun <= 0 {
		c.MaxPerRun = 100
	}
	return c
}

// Report describes one sweep.
type Report struct {
	Skipped  bool          `json:"skipped"`
	Scanned  int           `json:"scanned"`
	Expired  int           `json:"expired"`
	Orphans  int           `json:"orphans"`
	Removed  int           `json:"removed"`
	Failed   int           `json:"failed"`
	Deferred int           `json:"deferred"`
	Duration time.Duration `json:"duration"`
}

// Supervisor is the periodic container sweep. It implements cron.Job.
type Supervisor struct {
	client  container.Client
	tracker *container.Tracker
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool
}

// Options carries the supervisor's optional collaborators.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// New creates a supervisor over client. A nil tracker uses
// container.DefaultTracker.
func New(client container.Client, tracker *container.Tracker, cfg Config, opts Options) *Supervisor {
	if tracker == nil {
		tracker = container.DefaultTracker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		client:  client,
		tracker: tracker,
		cfg:     cfg.WithDefaults(),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

var _ cron.Job = (*Supervisor)(nil)

// Name implements cron.Job.
func (s *Supervisor) Name() string { return JobName }

// Schedule implements cron.Job.
func (s *Supervisor) Schedule() string { return "@every " + s.cfg.Interval.String() }

// Run implements cron.Job.
func (s *Supervisor) Run(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	return err
}

// RunOnce performs one sweep. If a sweep is already in flight it returns
// immediately with Report.Skipped set. Removal failures are returned
// joined but never stop the sweep.
func (s *Supervisor) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("cleanup: sweep already running, skipping")
		s.metrics.ObserveSweep(metrics.SweepSkipped, 0, 0)
		return Report{Skipped: true}, nil
	}
	defer s.running.Store(false)

	started := s.now()
	report, err := s.sweep(ctx, started)
	report.Duration = s.now().Sub(started)

	result := metrics.SweepOK
	if err != nil {
		result = metrics.SweepError
	}
	s.metrics.ObserveSweep(result, report.Removed, report.Duration)

	if report.Removed > 0 || report.Failed > 0 {
		s.logger.Info("cleanup: sweep finished",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"orphans", report.Orphans,
			"removed", report.Removed,
			"failed", report.Failed,
			"deferred", report.Deferred,
			"duration", report.Duration,
		)
	}
	return report, err
}

func (s *Supervisor) sweep(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	// Orphans go first and are removed regardless of age.
	candidates := s.tracker.Orphans()
	report.Orphans = len(candidates)
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		seen[id] = struct{}{}
	}

	// Orphans are known without the daemon's listing, so a failed List
	// still removes them.
	infos, listErr := s.client.List(ctx, container.SandboxLabels())
	if listErr != nil {
		listErr = fmt.Errorf("cleanup: listing containers: %w", listErr)
	}
	report.Scanned = len(infos)
	cutoff := now.Add(-s.cfg.MaxAge)
	for _, info := range infos {
		if info.Created.IsZero() || !info.Created.Before(cutoff) {
			continue
		}
		report.Expired++
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		candidates = append(candidates, info.ID)
	}

	if len(candidates) > s.cfg.MaxPerRun {
		report.Deferred = len(candidates) - s.cfg.MaxPerRun
		candidates = candidates[:s.cfg.MaxPerRun]
	}

	var errs []error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.client.Remove(ctx, id); err != nil {
			report.Failed++
			if _, tracked := s.tracker.State(id); tracked {
				s.tracker.MarkOrphan(id)
			}
			errs = append(errs, err)
			continue
		}
		s.tracker.Remove(id)
		report.Removed++
	}
	var removeErr error
	if err := errors.Join(errs...); err != nil {
		removeErr = fmt.Errorf("cleanup: %d of %d removals failed: %w", report.Failed, len(candidates), err)
	}
	return report, errors.Join(listErr, removeErr)
}
