// Package analysis scans generated programs for dangerous constructs. The
// Validator enforces a deny-list and the Assessor turns the findings into a
// graded risk score.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Severity grades an issue.
type Severity string

// Severity levels, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the score contribution of one issue of this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	default:
		return 0
	}
}

func parseSeverity(s string, fallback Severity) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case "":
		return fallback, nil
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Kind classifies an issue.
type Kind string

// Issue kinds.
const (
	KindDangerous  Kind = "dangerous_pattern"
	KindSuspicious Kind = "suspicious_pattern"
)

// Pattern is one compiled deny-list entry.
type Pattern struct {
	Regexp      *regexp.Regexp
	Description string
	Suggestion  string
	Severity    Severity
	Kind        Kind
}

// PatternSet is the full deny-list. It is immutable once built and safe
// for concurrent scans.
type PatternSet struct {
	Dangerous  []Pattern
	Suspicious []Pattern
}

// All returns dangerous patterns followed by suspicious ones.
func (s *PatternSet) All() []Pattern {
	out := make([]Pattern, 0, len(s.Dangerous)+len(s.Suspicious))
	out = append(out, s.Dangerous...)
	return append(out, s.Suspicious...)
}

type patternDef struct {
	expr, description, suggestion string
}

var dangerousDefs = []patternDef{
	{`\beval\s*\(`, "dynamic code evaluation via eval(", "call the generated tool wrappers directly"},
	{`\bnew\s+Function\b|(?:^|[^\w.])Function\s*\(`, "dynamic code evaluation via Function(", "define functions statically"},
	{`\bexec\s*\(`, "shell or code execution via exec(", "express the operation as an MCP tool call"},
	{`\bexecSync\s*\(`, "synchronous shell execution via execSync(", "express the operation as an MCP tool call"},
	{`\bspawn(?:Sync)?\s*\(`, "process spawning via spawn(", "express the operation as an MCP tool call"},
	{`require\s*\(\s*['"](?:node:)?child_process['"]\s*\)|from\s+['"](?:node:)?child_process['"]`, "child_process module import", "remove the child_process dependency"},
	{`__proto__`, "prototype pollution via __proto__", "use Object.create(null) or a Map"},
	{`\bconstructor\s*\[`, "prototype pollution via constructor[", "avoid computed access on constructor"},
	{`\binnerHTML\b`, "DOM injection via innerHTML", "use textContent"},
	{`\bdangerouslySetInnerHTML\b`, "DOM injection via dangerouslySetInnerHTML", "render escaped text"},
	{`\bdocument\.cookie\b`, "cookie access via document.cookie", "do not read browser credentials"},
	{`\b(?:local|session)Storage\b`, "browser storage access", "do not read browser storage"},
	{`(?i)\bon(?:click|load|error|submit|focus|blur|change|input|key\w*|mouse\w*)\s*=\s*['"]|setAttribute\s*\(\s*['"]on[a-z]+['"]`, "event handler injection", "attach handlers with addEventListener"},
	{`\bos\.(?:system|popen)\s*\(`, "shell execution via os.system", "express the operation as an MCP tool call"},
	{`\bsubprocess\.\w+\s*\(`, "process spawning via subprocess", "express the operation as an MCP tool call"},
	{`\b__import__\s*\(`, "dynamic import via __import__(", "use static imports"},
}

var suspiciousDefs = []patternDef{
	{`\brequire\s*\(\s*[^'"\s)]`, "dynamic require(", "require modules by literal name"},
	{`\bimport\s*\(`, "dynamic import(", "use static imports"},
	{`\bfetch\s*\(`, "network access via fetch(", "reach remote services through MCP tools"},
	{`\bXMLHttpRequest\b`, "network access via XMLHttpRequest", "reach remote services through MCP tools"},
	{`\bWebSocket\b`, "network access via WebSocket", "reach remote services through MCP tools"},
	{`\bset(?:Timeout|Interval|Immediate)\s*\(`, "timer scheduling", "run the plan synchronously"},
	{`\bwhile\s*\(\s*(?:true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)|\bwhile\s+True\s*:`, "potential infinite loop", "bound the loop"},
	{`\bprocess\.env\b|\bos\.environ\b|\bos\.getenv\s*\(`, "environment access", "pass values as tool arguments"},
	{`\bfs\.\w+\s*\(|require\s*\(\s*['"](?:node:)?fs(?:/promises)?['"]\s*\)|from\s+['"](?:node:)?fs(?:/promises)?['"]`, "raw filesystem API", "use filesystem MCP tools"},
	{`\b(?:shutil|pathlib)\.\w+|\bos\.(?:remove|unlink|rmdir|makedirs|rename|listdir)\s*\(`, "raw filesystem API", "use filesystem MCP tools"},
}

// defaultPatterns is built once and shared.
var defaultPatterns = sync.OnceValue(func() *PatternSet {
	set := &PatternSet{}
	for _, d := range dangerousDefs {
		set.Dangerous = append(set.Dangerous, Pattern{
			Regexp:      regexp.MustCompile(d.expr),
			Description: d.description,
			Suggestion:  d.suggestion,
			Severity:    SeverityCritical,
			Kind:        KindDangerous,
		})
	}
	for _, d := range suspiciousDefs {
		set.Suspicious = append(set.Suspicious, Pattern{
			Regexp:      regexp.MustCompile(d.expr),
			Description: d.description,
			Suggestion:  d.suggestion,
			Severity:    SeverityMedium,
			Kind:        KindSuspicious,
		})
	}
	return set
})

// DefaultPatterns returns the built-in deny-list.
func DefaultPatterns() *PatternSet {
	return defaultPatterns()
}

// DefaultLoadTimeout bounds a pattern file read.
const DefaultLoadTimeout = 5 * time.Second

// ErrPatternFile is returned when a pattern file cannot be used.
var ErrPatternFile = errors.New("invalid pattern file")

// patternFile is the on-disk format. A section that is present replaces
// the matching built-in section.
type patternFile struct {
	Dangerous  []patternEntry `json:"dangerous"`
	Suspicious []patternEntry `json:"suspicious"`
}

type patternEntry struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	Severity    string `json:"severity"`
}

// Loader loads the deny-list from an optional JSON file. Concurrent callers
// share a single in-flight load. A successful load is cached; a failed one
// yields the defaults and is retried on the next call.
type Loader struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	set   *PatternSet
	warn  sync.Once

	// readFile is replaced in tests.
	readFile func(path string) ([]byte, error)
}

// NewLoader creates a loader for path. An empty path means built-in
// patterns only.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:     path,
		timeout:  DefaultLoadTimeout,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

// Patterns returns the active pattern set. It never fails: load errors
// degrade to DefaultPatterns and log a single warning.
func (l *Loader) Patterns(ctx context.Context) *PatternSet {
	if l == nil || l.path == "" {
		return DefaultPatterns()
	}

	l.mu.Lock()
	set := l.set
	l.mu.Unlock()
	if set != nil {
		return set
	}

	v, _, _ := l.group.Do("patterns", func() (any, error) {
		l.mu.Lock()
		cached := l.set
		l.mu.Unlock()
		if cached != nil {
			return cached, nil
		}

		set, err := l.load(ctx)
		if err != nil {
			l.warn.Do(func() {
				l.logger.Warn("analysis: pattern file unusable, using defaults",
					"path", l.path, "error", err)
			})
			return DefaultPatterns(), nil
		}
		l.mu.Lock()
		l.set = set
		l.mu.Unlock()
		return set, nil
	})
	return v.(*PatternSet)
}

func (l *Loader) load(ctx context.Context) (*PatternSet, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		data, err := l.readFile(l.path)
		done <- readResult{data: data, err: err}
	}()

	var data []byte
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reading %s: %w", l.path, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("reading %s: %w", l.path, r.err)
		}
		data = r.data
	}

	return parsePatternFile(data)
}

func parsePatternFile(data []byte) (*PatternSet, error) {
	var f patternFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPatternFile, err)
	}

	defaults := DefaultPatterns()
	set := &PatternSet{Dangerous: defaults.Dangerous, Suspicious: defaults.Suspicious}

	var errs []error
	if f.Dangerous != nil {
		var err error
		set.Dangerous, err = compileEntries(f.Dangerous, KindDangerous, SeverityCritical)
		errs = append(errs, err)
	}
	if f.Suspicious != nil {
		var err error
		set.Suspicious, err = compileEntries(f.Suspicious, KindSuspicious, SeverityMedium)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPatternFile, err)
	}
	return set, nil
}

func compileEntries(entries []patternEntry, kind Kind, fallback Severity) ([]Pattern, error) {
	out := make([]Pattern, 0, len(entries))
	var errs []error
	for i, e := range entries {
		if strings.TrimSpace(e.Pattern) == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: empty pattern", kind, i))
			continue
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
			continue
		}
		sev, err := parseSeverity(e.Severity, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
			continue
		}
		desc := e.Description
		if desc == "" {
			desc = e.Pattern
		}
		out = append(out, Pattern{
			Regexp:      re,
			Description: desc,
			Suggestion:  e.Suggestion,
			Severity:    sev,
			Kind:        kind,
		})
	}
	return out, errors.Join(errs...)
}
