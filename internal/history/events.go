package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flemzord/mcpexec/internal/security"
)

// EventQuery filters Events. Zero fields do not filter.
type EventQuery struct {
	Type      security.EventType
	RequestID string
	Since     time.Time
	// Limit caps the result, newest first. Defaults to 100.
	Limit int
}

// RecordEvent implements security.AuditSink.
func (s *Store) RecordEvent(ctx context.Context, event security.AuditEvent) error {
	meta := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("history: marshal metadata: %w", err)
		}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (ts, type, severity, message, request_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts), string(event.Type), string(event.Severity), event.Message, event.RequestID, string(meta),
	)
	if err != nil {
		return fmt.Errorf("history: record event: %w", err)
	}
	return nil
}

// Events returns matching audit events, newest first.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]security.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, q.RequestID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(q.Since))
	}
	query := "SELECT ts, type, severity, message, request_id, metadata FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []security.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: event rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (security.AuditEvent, error) {
	var (
		e                  security.AuditEvent
		ts, typ, sev, meta string
	)
	if err := rows.Scan(&ts, &typ, &sev, &e.Message, &e.RequestID, &meta); err != nil {
		return e, fmt.Errorf("history: scan event: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return e, err
	}
	e.Timestamp = t
	e.Type = security.EventType(typ)
	e.Severity = security.Severity(sev)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("history: unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
