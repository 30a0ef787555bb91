package analysis

import (
	"context"
	"sort"
	"strings"
)

// Score thresholds shared by the validator and the assessor.
const (
	MaxScore          = 100
	ApprovalThreshold = 70
)

// Issue is one flagged construct.
type Issue struct {
	Severity    Severity `json:"severity"`
	Kind        Kind     `json:"kind"`
	Description string   `json:"description"`
	Line        int      `json:"line"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Match       string   `json:"match,omitempty"`
}

// ValidationResult is the verdict on one program.
type ValidationResult struct {
	IsSecure         bool    `json:"is_secure"`
	RiskScore        int     `json:"risk_score"`
	Issues           []Issue `json:"issues"`
	RequiresApproval bool    `json:"requires_approval"`
}

// Critical reports whether any issue is critical.
func (r ValidationResult) Critical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Validator enforces the deny-list. It is safe for concurrent use.
type Validator struct {
	loader *Loader
}

// NewValidator creates a validator backed by loader. A nil loader uses the
// built-in patterns.
func NewValidator(loader *Loader) *Validator {
	return &Validator{loader: loader}
}

// Validate scans code. It never fails on input content.
func (v *Validator) Validate(ctx context.Context, code string) ValidationResult {
	set := v.loader.Patterns(ctx)
	lines := newLineIndex(code)

	issues := []Issue{}
	for _, p := range set.All() {
		for _, loc := range p.Regexp.FindAllStringIndex(code, -1) {
			issues = append(issues, Issue{
				Severity:    p.Severity,
				Kind:        p.Kind,
				Description: p.Description,
				Line:        lines.line(loc[0]),
				Suggestion:  p.Suggestion,
				Match:       strings.TrimSpace(code[loc[0]:loc[1]]),
			})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Line < issues[j].Line })

	score := Score(issues)
	return ValidationResult{
		IsSecure:         score < ApprovalThreshold,
		RiskScore:        score,
		Issues:           issues,
		RequiresApproval: score >= ApprovalThreshold,
	}
}

// Score sums issue weights, clamped to MaxScore.
func Score(issues []Issue) int {
	total := 0
	for _, is := range issues {
		total += is.Severity.Weight()
		if total >= MaxScore {
			return MaxScore
		}
	}
	return total
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(s string) lineIndex {
	idx := lineIndex{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (li lineIndex) line(offset int) int {
	return sort.Search(len(li), func(i int) bool { return li[i] > offset })
}
