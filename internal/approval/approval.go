// Package approval holds high-risk executions until an operator approves
// or rejects them.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/flemzord/mcpexec/internal/analysis"
)

var (
	// ErrNotFound is returned for an unknown request ID.
	ErrNotFound = errors.New("approval request not found")

	// ErrEmptyActor is returned when a decision names no actor.
	ErrEmptyActor = errors.New("approval decision requires an actor")

	// ErrEmptyReason is returned when a rejection gives no reason.
	ErrEmptyReason = errors.New("rejection requires a reason")
)

// Status is the lifecycle state of a request. Approved and rejected are
// terminal.
type Status string

// Request states.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decided reports whether s is terminal.
func (s Status) Decided() bool {
	return s == StatusApproved || s == StatusRejected
}

// Request is a held execution.
type Request struct {
	ID         string                    `json:"id"`
	Intent     string                    `json:"intent,omitempty"`
	Language   string                    `json:"language,omitempty"`
	Code       string                    `json:"code"`
	Assessment analysis.RiskAssessment   `json:"assessment"`
	Validation analysis.ValidationResult `json:"validation"`
	Status     Status                    `json:"status"`
	CreatedAt  time.Time                 `json:"created_at"`
	DecidedBy  string                    `json:"decided_by,omitempty"`
	DecidedAt  time.Time                 `json:"decided_at,omitzero"`
	Reason     string                    `json:"reason,omitempty"`
}

// Store persists requests. Implementations must be safe for concurrent use;
// the Gate serializes state transitions itself.
type Store interface {
	Put(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	// List returns every request ordered by creation time.
	List(ctx context.Context) ([]Request, error)
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// RequiresApproval reports whether either verdict holds execution.
func RequiresApproval(a analysis.RiskAssessment, v analysis.ValidationResult) bool {
	return a.RequiresApproval || v.RequiresApproval
}
