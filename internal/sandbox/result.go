package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flemzord/mcpexec/internal/synth"
)

// TimeoutMessage is the error text of a timed-out execution.
const TimeoutMessage = "Execution timeout"

// ErrTimeout marks an execution that exceeded its deadline.
var ErrTimeout = errors.New("execution timeout")

// Metrics describe one execution. They are present on every result.
type Metrics struct {
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	MemoryUsed      string `json:"memory_used"`
}

// Result is what a backend returns. Backends never return Go errors;
// every failure is a Result with Success false.
type Result struct {
	Success  bool    `json:"success"`
	Output   string  `json:"output,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Error    string  `json:"error,omitempty"`
	ExitCode int     `json:"exit_code"`
	Timeout  bool    `json:"timeout,omitempty"`
	Backend  Kind    `json:"backend"`
	Metrics  Metrics `json:"metrics"`
}

// Failed builds a failure result with zero memory.
func Failed(kind Kind, started time.Time, msg string) Result {
	return Result{
		Success:  false,
		Error:    msg,
		ExitCode: -1,
		Backend:  kind,
		Metrics:  Metrics{ExecutionTimeMS: ElapsedMS(started), MemoryUsed: FormatMemory(0)},
	}
}

// TimedOut builds the result of an execution killed by its deadline.
func TimedOut(kind Kind, started time.Time, stdout, stderr string) Result {
	r := Failed(kind, started, TimeoutMessage)
	r.Timeout = true
	r.Output = stdout
	r.Stderr = stderr
	return r
}

// FormatMemory renders a byte count for Metrics.MemoryUsed.
func FormatMemory(n uint64) string {
	return humanize.IBytes(n)
}

// ElapsedMS returns milliseconds since started, or 0 for a zero time.
func ElapsedMS(started time.Time) int64 {
	if started.IsZero() {
		return 0
	}
	return time.Since(started).Milliseconds()
}

// DefaultOutputLimit caps captured output per stream.
const DefaultOutputLimit = 1 << 20

const truncatedNotice = "\n[output truncated]"

// OutputBuffer collects a stream up to a byte limit. It is safe for
// concurrent writes and reads, and never returns a write error, so a
// chatty program cannot fail its own pipe.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewOutputBuffer creates a buffer holding at most limit bytes. A
// non-positive limit uses DefaultOutputLimit.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

// Write implements io.Writer.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the collected output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedNotice
	}
	return b.buf.String()
}

// Truncated reports whether output was dropped.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// ExtractResult finds the last result line in stdout. It returns the JSON
// payload and stdout without that line. ok is false when no line carries a
// valid JSON payload.
func ExtractResult(stdout string) (payload json.RawMessage, rest string, ok bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		raw, found := strings.CutPrefix(strings.TrimSpace(line), strings.TrimSpace(synth.ResultMarker))
		if !found {
			continue
		}
		raw = strings.TrimSpace(raw)
		if !json.Valid([]byte(raw)) {
			continue
		}
		rest := strings.Join(append(lines[:i:i], lines[i+1:]...), "\n")
		return json.RawMessage(raw), rest, true
	}
	return nil, stdout, false
}
