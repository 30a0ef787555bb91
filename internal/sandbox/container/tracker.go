package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// State is a tracked container's lifecycle state.
type State string

// Container states.
const (
	StateActive State = "active"
	// StateOrphan marks a container whose removal failed. The cleanup
	// supervisor retries it.
	StateOrphan State = "orphan"
)

type tracked struct {
	state State
	since time.Time
}

// Tracker is the set of containers this process created and has not yet
// removed.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]tracked
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]tracked), now: time.Now}
}

var defaultTracker = NewTracker()

// DefaultTracker returns the process-wide tracker.
func DefaultTracker() *Tracker { return defaultTracker }

// Add records id as active.
func (t *Tracker) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = tracked{state: StateActive, since: t.now()}
}

// MarkOrphan records that id could not be removed.
func (t *Tracker) MarkOrphan(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = tracked{state: StateOrphan, since: t.now()}
}

// Remove forgets id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of tracked containers, orphans included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Active returns the number of containers currently executing.
func (t *Tracker) Active() int {
	return len(t.withState(StateActive))
}

// Orphans returns the IDs of containers awaiting removal, sorted.
func (t *Tracker) Orphans() []string {
	return t.withState(StateOrphan)
}

// IDs returns every tracked ID, sorted.
func (t *Tracker) IDs() []string {
	return t.withState("")
}

// State returns id's state and whether it is tracked.
func (t *Tracker) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e.state, ok
}

func (t *Tracker) withState(s State) []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if s == "" || e.state == s {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// RemoveTracked force-removes ids and forgets each one that was removed.
// Failures are marked orphan and returned joined.
func RemoveTracked(ctx context.Context, client Client, tracker *Tracker, ids []string) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, id := range ids {
		if err := client.Remove(ctx, id); err != nil {
			tracker.MarkOrphan(id)
			errs = append(errs, err)
			continue
		}
		tracker.Remove(id)
		removed++
	}
	return removed, errors.Join(errs...)
}

// EmergencyCleanup removes every tracked container. It is meant for
// process shutdown and uses its own deadline so a cancelled parent does
// not leak containers.
func EmergencyCleanup(ctx context.Context, client Client, tracker *Tracker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ids := tracker.IDs()
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	logger.Warn("container: emergency cleanup", "containers", len(ids))
	removed, err := RemoveTracked(ctx, client, tracker, ids)
	if err != nil {
		return fmt.Errorf("emergency cleanup removed %d of %d containers: %w", removed, len(ids), err)
	}
	return nil
}
