package security

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// RedactPlaceholder replaces every redacted value.
const RedactPlaceholder = "[REDACTED]"

// secretKeyPattern matches attribute and header names whose values are
// credentials no matter what they look like.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|passw(or)?d|api[_-]?key|credential|authorization|cookie)`)

// IsSecretKey reports whether a log attribute, header or variable named
// key carries a credential.
func IsSecretKey(key string) bool {
	return secretKeyPattern.MatchString(key)
}

// Redactor masks secrets in log lines, audit events and sandbox stderr.
// Known credential formats are matched by regex; runtime secrets such as
// gateway tokens and MCP server env values are matched literally.
// All methods are safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a Redactor loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern adds a compiled pattern. Every match is replaced.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral registers a secret value. Empty and duplicate values are
// ignored. Longer literals are replaced first so a secret that contains
// another is never half-masked.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.literals, secret) {
		return
	}
	// Copy on write: Redact iterates the old slice without the lock.
	literals := append(slices.Clone(r.literals), secret)
	slices.SortStableFunc(literals, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
	r.literals = literals
}

// Redact returns s with every pattern match and literal replaced by
// RedactPlaceholder.
func (r *Redactor) Redact(s string) string {
	if s == "" || r == nil {
		return s
	}

	r.mu.RLock()
	patterns := r.patterns
	literals := r.literals
	r.mu.RUnlock()

	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, RedactPlaceholder)
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}

// DefaultPatterns returns patterns for credential formats that commonly
// end up in tool arguments, MCP server output and interpreter tracebacks.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Provider API keys: sk-..., sk-ant-..., sk_live_...
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`[sr]k_(live|test)_[a-zA-Z0-9]{16,}`),
		// GitHub tokens.
		regexp.MustCompile(`(ghp_|gho_|ghs_|ghu_|github_pat_)[a-zA-Z0-9_]{20,}`),
		// AWS access key IDs.
		regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
		// Google API keys.
		regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
		// Slack tokens.
		regexp.MustCompile(`xox[bpas]-[0-9]+-[a-zA-Z0-9\-]+`),
		// JSON Web Tokens.
		regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]{8,}\.eyJ[a-zA-Z0-9_\-]{8,}\.[a-zA-Z0-9_\-]{8,}`),
		// Authorization header values.
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]{16,}`),
		// PEM private key blocks.
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	}
}
