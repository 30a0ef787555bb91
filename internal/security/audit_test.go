package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAuditLogger_WritesJSONL(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger := NewAuditLogger(AuditLoggerConfig{
		Writer: &buf,
		Now:    func() time.Time { return fixedTime },
	})

	logger.Log(AuditEvent{
		Type:      EventDiscovery,
		RequestID: "req-1",
		Message:   "matched 2 tools",
		Metadata:  map[string]string{"tools": "fs_read,fs_write"},
	})

	var got AuditEvent
	if err := json.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("failed to decode JSONL: %v", err)
	}

	if got.Type != EventDiscovery {
		t.Errorf("type = %q, want %q", got.Type, EventDiscovery)
	}
	if got.RequestID != "req-1" {
		t.Errorf("request_id = %q, want %q", got.RequestID, "req-1")
	}
	if got.Severity != SeverityInfo {
		t.Errorf("severity = %q, want default %q", got.Severity, SeverityInfo)
	}
	if !got.Timestamp.Equal(fixedTime) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, fixedTime)
	}
}

func TestAuditLogger_RedactsMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewRedactor()
	r.AddLiteral("my-secret-key")

	logger := NewAuditLogger(AuditLoggerConfig{
		Writer:   &buf,
		Redactor: r,
	})

	meta := map[string]string{"stderr": "value is my-secret-key here"}
	logger.Log(AuditEvent{
		Type:     EventError,
		Message:  "failed with my-secret-key",
		Metadata: meta,
	})

	output := buf.String()
	if strings.Contains(output, "my-secret-key") {
		t.Errorf("secret found in audit output: %s", output)
	}
	if !strings.Contains(output, RedactPlaceholder) {
		t.Errorf("expected placeholder in audit output: %s", output)
	}
	if meta["stderr"] != "value is my-secret-key here" {
		t.Error("caller metadata was mutated")
	}
}

func TestAuditLogger_OnEventCallback(t *testing.T) {
	t.Parallel()

	var events []AuditEvent
	logger := NewAuditLogger(AuditLoggerConfig{
		OnEvent: func(e AuditEvent) {
			events = append(events, e)
		},
	})

	logger.Log(AuditEvent{Type: EventExecution, Message: "ok"})
	logger.Log(AuditEvent{Type: EventSecurity, Severity: SeverityCritical, Message: "eval("})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Severity != SeverityCritical {
		t.Errorf("events[1].severity = %q, want %q", events[1].Severity, SeverityCritical)
	}
}

func TestAuditLogger_NilLogger(t *testing.T) {
	t.Parallel()

	var logger *AuditLogger
	logger.Log(AuditEvent{Type: EventError}) // must not panic
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewAuditLogger(AuditLoggerConfig{Writer: &buf})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log(AuditEvent{Type: EventExecution, Message: "concurrent"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (s *recordingSink) RecordEvent(_ context.Context, e AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestAuditLogger_Sink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	logger := NewAuditLogger(AuditLoggerConfig{Sink: sink})
	logger.Log(AuditEvent{Type: EventExecution})

	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events, want 1", len(sink.events))
	}

	failing := &recordingSink{err: errors.New("disk full")}
	var reported error
	logger = NewAuditLogger(AuditLoggerConfig{
		Sink:        failing,
		OnSinkError: func(err error) { reported = err },
	})
	logger.Log(AuditEvent{Type: EventExecution})

	if reported == nil {
		t.Error("expected sink error to be reported")
	}
	if got := logger.WriteErrors(); got != 1 {
		t.Errorf("WriteErrors() = %d, want 1", got)
	}
}

func TestAuditLogger_Subscribe(t *testing.T) {
	t.Parallel()

	logger := NewAuditLogger(AuditLoggerConfig{})
	ch, cancel := logger.Subscribe()

	logger.Log(AuditEvent{Type: EventSecurity, Message: "flagged"})

	select {
	case e := <-ch:
		if e.Message != "flagged" {
			t.Errorf("message = %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	cancel() // idempotent
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Logging after unsubscribe must not panic on the closed channel.
	logger.Log(AuditEvent{Type: EventSecurity})
}

// errWriter always returns an error on Write to simulate a failing io.Writer.
type errWriter struct{}

func (errWriter) Write(_ []byte) (int, error) {
	return 0, errors.New("write failed")
}

func TestAuditLogger_WriteErrors(t *testing.T) {
	t.Parallel()

	failing := NewAuditLogger(AuditLoggerConfig{Writer: errWriter{}})
	failing.Log(AuditEvent{Type: EventExecution})
	failing.Log(AuditEvent{Type: EventExecution})
	if got := failing.WriteErrors(); got != 2 {
		t.Errorf("WriteErrors() = %d, want 2", got)
	}

	ok := NewAuditLogger(AuditLoggerConfig{Writer: io.Discard})
	ok.Log(AuditEvent{Type: EventExecution})
	if got := ok.WriteErrors(); got != 0 {
		t.Errorf("WriteErrors() = %d, want 0", got)
	}
}
