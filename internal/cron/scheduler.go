package cron

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned by Trigger for an unregistered job name.
	ErrUnknownJob = errors.New("cron: unknown job")

	// ErrJobRunning is returned by Trigger when the job is mid-run.
	ErrJobRunning = errors.New("cron: job already running")

	// ErrStarted is returned by RegisterJob once the scheduler runs.
	ErrStarted = errors.New("cron: scheduler already started")
)

// parser accepts 5-field expressions and descriptors ("@every 60s", "@hourly").
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// slot is a registered job plus its run bookkeeping. running is held for
// the length of a run so ticks and Trigger never overlap.
type slot struct {
	job     Job
	running sync.Mutex
	entry   cron.EntryID

	mu       sync.Mutex
	busy     bool
	runs     int
	failures int
	lastRun  time.Time
	lastTook time.Duration
	lastErr  error
}

// Scheduler runs registered jobs on their schedules.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	slots  map[string]*slot
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		slots:  make(map[string]*slot),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterJob adds j. Names must be unique and the schedule must parse.
func (s *Scheduler) RegisterJob(j Job) error {
	if err := ValidateSchedule(j.Schedule()); err != nil {
		return fmt.Errorf("cron: invalid schedule for job %q: %w", j.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrStarted
	}
	if _, dup := s.slots[j.Name()]; dup {
		return fmt.Errorf("cron: duplicate job name %q", j.Name())
	}
	s.slots[j.Name()] = &slot{job: j}
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start schedules every registered job. A second call is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(parser))
	for name, sl := range s.slots {
		id, err := c.AddFunc(sl.job.Schedule(), func() {
			if err := s.runSlot(s.ctx, sl); errors.Is(err, ErrJobRunning) {
				s.logger.Warn("cron: job still running, skipping tick", "job", name)
			}
		})
		if err != nil {
			return fmt.Errorf("cron: invalid schedule for job %q: %w", name, err)
		}
		sl.entry = id
	}
	c.Start()
	s.cron = c
	s.logger.Info("cron: scheduler started", "jobs", len(s.slots))
	return nil
}

// Trigger runs the named job now, outside its schedule. It fails with
// ErrJobRunning rather than overlap a run in progress.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	sl, ok := s.slots[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.runSlot(ctx, sl)
}

func (s *Scheduler) runSlot(ctx context.Context, sl *slot) error {
	name := sl.job.Name()
	if !sl.running.TryLock() {
		return fmt.Errorf("%w: %q", ErrJobRunning, name)
	}
	defer sl.running.Unlock()

	sl.mu.Lock()
	sl.busy = true
	sl.mu.Unlock()

	s.logger.Debug("cron: job started", "job", name)
	start := time.Now()
	err := sl.job.Run(ctx)
	took := time.Since(start)

	sl.mu.Lock()
	sl.busy = false
	sl.runs++
	sl.lastRun = start
	sl.lastTook = took
	sl.lastErr = err
	if err != nil {
		sl.failures++
	}
	sl.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", name, "took", took, "error", err)
		return err
	}
	s.logger.Debug("cron: job completed", "job", name, "took", took)
	return nil
}

// Status reports every registered job, sorted by name. NextRun is set
// only while the scheduler runs.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	c := s.cron
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		st := JobStatus{
			Name:     sl.job.Name(),
			Schedule: sl.job.Schedule(),
			Running:  sl.busy,
			Runs:     sl.runs,
			Failures: sl.failures,
			LastRun:  sl.lastRun,
			LastTook: sl.lastTook,
		}
		if sl.lastErr != nil {
			st.LastError = sl.lastErr.Error()
		}
		sl.mu.Unlock()
		if c != nil {
			st.NextRun = c.Entry(sl.entry).Next
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Stop cancels running jobs and waits for them to return, or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: waiting for jobs: %w", ctx.Err())
	}
}
