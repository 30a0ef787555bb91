package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/mcpexec/internal/analysis"
	"github.com/flemzord/mcpexec/internal/security"
)

// GateConfig configures a Gate.
type GateConfig struct {
	// Store defaults to an in-memory store.
	Store  Store
	Audit  *security.AuditLogger
	Logger *slog.Logger

	// OnDecision is called after every successful transition.
	OnDecision func(Request)

	// Now overrides time.Now for testing.
	Now func() time.Time
}

// Gate owns the approval state machine. All transitions happen under one
// mutex so a request is decided at most once.
type Gate struct {
	mu      sync.Mutex
	store   Store
	waiters map[string][]chan struct{}

	audit      *security.AuditLogger
	logger     *slog.Logger
	onDecision func(Request)
	now        func() time.Time
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		store:      cfg.Store,
		waiters:    make(map[string][]chan struct{}),
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		onDecision: cfg.OnDecision,
		now:        cfg.Now,
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Submission is the input to Request.
type Submission struct {
	Intent     string
	Language   string
	Code       string
	Assessment analysis.RiskAssessment
	Validation analysis.ValidationResult
}

// Request queues sub as a pending request.
func (g *Gate) Request(ctx context.Context, sub Submission) (Request, error) {
	req := Request{
		ID:         newID(),
		Intent:     sub.Intent,
		Language:   sub.Language,
		Code:       sub.Code,
		Assessment: sub.Assessment,
		Validation: sub.Validation,
		Status:     StatusPending,
		CreatedAt:  g.now().UTC(),
	}

	g.mu.Lock()
	err := g.store.Put(ctx, req)
	g.mu.Unlock()
	if err != nil {
		return Request{}, fmt.Errorf("storing approval request: %w", err)
	}

	g.audit.Log(security.AuditEvent{
		Type:      security.EventApproval,
		Severity:  security.SeverityWarning,
		Message:   "execution held for approval",
		RequestID: req.ID,
		Metadata: map[string]string{
			"status":     string(req.Status),
			"risk_level": string(sub.Assessment.Level),
			"risk_score": strconv.Itoa(max(sub.Assessment.Score, sub.Validation.RiskScore)),
		},
	})
	return req, nil
}

// Approve moves a pending request to approved. It returns false without
// error when the request is unknown or already decided.
func (g *Gate) Approve(ctx context.Context, id, actor, reason string) (bool, error) {
	return g.decide(ctx, id, actor, reason, StatusApproved)
}

// Reject moves a pending request to rejected. reason is required. It
// returns false without error when the request is unknown or already
// decided.
func (g *Gate) Reject(ctx context.Context, id, actor, reason string) (bool, error) {
	return g.decide(ctx, id, actor, reason, StatusRejected)
}

func (g *Gate) decide(ctx context.Context, id, actor, reason string, to Status) (bool, error) {
	if actor == "" {
		return false, ErrEmptyActor
	}
	if to == StatusRejected && strings.TrimSpace(reason) == "" {
		return false, ErrEmptyReason
	}

	g.mu.Lock()
	req, err := g.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		g.mu.Unlock()
		return false, nil
	}
	if err != nil {
		g.mu.Unlock()
		return false, err
	}
	if req.Status != StatusPending {
		g.mu.Unlock()
		return false, nil
	}

	req.Status = to
	req.DecidedBy = actor
	req.DecidedAt = g.now().UTC()
	req.Reason = reason
	if err := g.store.Put(ctx, req); err != nil {
		g.mu.Unlock()
		return false, fmt.Errorf("storing decision: %w", err)
	}
	waiters := g.waiters[id]
	delete(g.waiters, id)
	g.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	g.logger.Info("approval: request decided", "id", id, "status", to, "actor", actor)
	g.audit.Log(security.AuditEvent{
		Type:      security.EventApproval,
		Message:   "approval request " + string(to),
		RequestID: id,
		Metadata: map[string]string{
			"status": string(to),
			"actor":  actor,
			"reason": reason,
		},
	})
	if g.onDecision != nil {
		g.onDecision(req)
	}
	return true, nil
}

// Get returns a request by ID.
func (g *Gate) Get(ctx context.Context, id string) (Request, error) {
	return g.store.Get(ctx, id)
}

// List returns every request, oldest first.
func (g *Gate) List(ctx context.Context) ([]Request, error) {
	return g.store.List(ctx)
}

// Pending returns the requests awaiting a decision, oldest first.
func (g *Gate) Pending(ctx context.Context) ([]Request, error) {
	all, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

// Wait blocks until the request is decided or ctx is done.
func (g *Gate) Wait(ctx context.Context, id string) (Request, error) {
	g.mu.Lock()
	req, err := g.store.Get(ctx, id)
	if err != nil || req.Status.Decided() {
		g.mu.Unlock()
		return req, err
	}
	ch := make(chan struct{})
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return g.store.Get(ctx, id)
	case <-ctx.Done():
		g.dropWaiter(id, ch)
		return req, ctx.Err()
	}
}

func (g *Gate) dropWaiter(id string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.waiters, id)
	} else {
		g.waiters[id] = list
	}
}

// Approved reports whether id names an approved request for exactly code.
// It lets a caller resubmit an execution an operator already cleared.
func (g *Gate) Approved(ctx context.Context, id, code string) bool {
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return req.Status == StatusApproved && req.Code == code
}

// Cleanup removes decided requests created more than olderThan ago.
// Pending requests are always kept.
func (g *Gate) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := g.now().Add(-olderThan)

	g.mu.Lock()
	defer g.mu.Unlock()

	all, err := g.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, r := range all {
		if r.Status.Decided() && r.CreatedAt.Before(cutoff) {
			stale = append(stale, r.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := g.store.Delete(ctx, stale...); err != nil {
		return 0, fmt.Errorf("deleting stale approvals: %w", err)
	}
	return len(stale), nil
}

// Close closes the underlying store.
func (g *Gate) Close() error {
	return g.store.Close()
}

// newID returns a time-ordered UUID so store keys sort by creation.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
