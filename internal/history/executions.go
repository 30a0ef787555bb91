package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flemzord/mcpexec/internal/engine"
)

// ExecutionQuery filters Executions. Zero fields do not filter.
type ExecutionQuery struct {
	// Failed selects only failed executions.
	Failed bool
	Kind   string
	Since  time.Time
	Limit  int
}

// RecordExecution implements engine.Recorder.
func (s *Store) RecordExecution(ctx context.Context, rec engine.Record) error {
	tools := []byte("[]")
	if len(rec.Tools) > 0 {
		var err error
		tools, err = json.Marshal(rec.Tools)
		if err != nil {
			return fmt.Errorf("history: marshal tools: %w", err)
		}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions
			(id, intent, language, backend, success, kind, error, risk_level, risk_score, tools, approval_id, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Intent, rec.Language, rec.Backend, boolToInt(rec.Success), rec.Kind, rec.Error,
		rec.RiskLevel, rec.RiskScore, string(tools), rec.ApprovalID, rec.DurationMS, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("history: record execution: %w", err)
	}
	return nil
}

const executionColumns = `id, intent, language, backend, success, kind, error, risk_level, risk_score, tools, approval_id, duration_ms, created_at`

// Execution returns one record by ID.
func (s *Store) Execution(ctx context.Context, id string) (engine.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Record{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return rec, err
}

// Executions returns matching records, newest first.
func (s *Store) Executions(ctx context.Context, q ExecutionQuery) ([]engine.Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Failed {
		where = append(where, "success = 0")
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Record
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: execution rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc scanner) (engine.Record, error) {
	var (
		rec            engine.Record
		success        int
		tools, created string
	)
	err := sc.Scan(&rec.ID, &rec.Intent, &rec.Language, &rec.Backend, &success, &rec.Kind, &rec.Error,
		&rec.RiskLevel, &rec.RiskScore, &tools, &rec.ApprovalID, &rec.DurationMS, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("history: scan execution: %w", err)
	}
	rec.Success = success != 0
	if tools != "" && tools != "[]" {
		if err := json.Unmarshal([]byte(tools), &rec.Tools); err != nil {
			return rec, fmt.Errorf("history: unmarshal tools: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, err
	}
	return rec, nil
}
