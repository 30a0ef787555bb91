package security

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes audit events.
type EventType string

// Pipeline event types, plus the gateway and limiter events.
const (
	EventDiscovery   EventType = "discovery"
	EventExecution   EventType = "execution"
	EventSecurity    EventType = "security"
	EventError       EventType = "error"
	EventApproval    EventType = "approval"
	EventAuthSuccess EventType = "auth_success"
	EventAuthFailure EventType = "auth_failure"
	EventRateLimit   EventType = "rate_limit"
)

// Severity grades an audit event.
type Severity string

// Audit severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink persists events somewhere durable (see internal/history).
type AuditSink interface {
	RecordEvent(ctx context.Context, event AuditEvent) error
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// Writer is the destination for JSONL output. If nil, events are only
	// dispatched to OnEvent, Sink and subscribers.
	Writer io.Writer

	// Redactor, if non-nil, is applied to Message and Metadata values.
	Redactor *Redactor

	// Sink, if non-nil, receives every event after redaction. Sink errors
	// are reported through OnSinkError and otherwise ignored.
	Sink        AuditSink
	OnSinkError func(error)

	// OnEvent, if non-nil, is called for every event (used in tests).
	OnEvent func(AuditEvent)

	// Now overrides time.Now for testing. Defaults to time.Now.
	Now func() time.Time
}

// subscriberBuffer bounds each subscriber's queue. Slow subscribers lose
// events rather than stalling the pipeline.
const subscriberBuffer = 64

// AuditLogger writes structured audit events as JSONL with optional
// redaction and fans them out to live subscribers.
type AuditLogger struct {
	writer      io.Writer
	redactor    *Redactor
	sink        AuditSink
	onSinkError func(error)
	onEvent     func(AuditEvent)
	now         func() time.Time

	writeErrors atomic.Int64

	mu     sync.Mutex
	subs   map[int]chan AuditEvent
	nextID int
}

// NewAuditLogger creates an audit logger with the given configuration.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AuditLogger{
		writer:      cfg.Writer,
		redactor:    cfg.Redactor,
		sink:        cfg.Sink,
		onSinkError: cfg.OnSinkError,
		onEvent:     cfg.OnEvent,
		now:         now,
		subs:        make(map[int]chan AuditEvent),
	}
}

// Log records an audit event. The timestamp is set automatically and the
// severity defaults to info. The caller's Metadata map is never mutated.
// A nil logger is a no-op.
func (l *AuditLogger) Log(event AuditEvent) {
	if l == nil {
		return
	}
	event.Timestamp = l.now()
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if len(event.Metadata) > 0 {
		event.Metadata = maps.Clone(event.Metadata)
	}

	if l.redactor != nil {
		event.Message = l.redactor.Redact(event.Message)
		for k, v := range event.Metadata {
			event.Metadata[k] = l.redactor.Redact(v)
		}
	}

	// Callback, JSONL and fan-out happen under one lock so every consumer
	// sees the same order.
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.onEvent != nil {
		l.onEvent(event)
	}
	if l.writer != nil {
		if err := json.NewEncoder(l.writer).Encode(event); err != nil {
			l.writeErrors.Add(1)
		}
	}
	if l.sink != nil {
		if err := l.sink.RecordEvent(context.Background(), event); err != nil {
			l.writeErrors.Add(1)
			if l.onSinkError != nil {
				l.onSinkError(err)
			}
		}
	}
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// WriteErrors returns the number of failed JSONL writes and sink records.
func (l *AuditLogger) WriteErrors() int64 {
	return l.writeErrors.Load()
}

// Subscribe returns a channel receiving every subsequent event and a
// function that unsubscribes and closes the channel.
func (l *AuditLogger) Subscribe() (<-chan AuditEvent, func()) {
	ch := make(chan AuditEvent, subscriberBuffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
