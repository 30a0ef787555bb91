// Package matcher scores tool index entries against a natural-language
// intent and returns the best candidates with per-field provenance.
package matcher

import (
	"errors"
	"sort"
	"strings"

	"github.com/flemzord/mcpexec/internal/toolindex"
)

// ErrEmptyQuery is returned when the query has no usable tokens.
var ErrEmptyQuery = errors.New("empty query")

// Score weights and the inclusion threshold.
const (
	nameWeight        = 0.5
	keywordWeight     = 0.3
	descriptionWeight = 0.2

	// DefaultThreshold is the exclusive minimum score for a result.
	DefaultThreshold = 0.2
	// DefaultLimit is used when Search is given a non-positive limit.
	DefaultLimit = 5
)

// Field names used in Match provenance.
const (
	FieldName        = "name"
	FieldKeywords    = "keywords"
	FieldDescription = "description"
)

// Match explains one contribution to a result's score.
type Match struct {
	Field     string  `json:"field"`
	Value     string  `json:"value"`
	Relevance float64 `json:"relevance"`
}

// Result is a scored index entry.
type Result struct {
	Entry   toolindex.Entry `json:"entry"`
	Score   float64         `json:"score"`
	Matches []Match         `json:"matches"`
}

// Matcher searches a tool index. It is safe for concurrent use.
type Matcher struct {
	index     *toolindex.Index
	threshold float64
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold overrides the minimum score (exclusive).
func WithThreshold(t float64) Option {
	return func(m *Matcher) {
		if t >= 0 && t < 1 {
			m.threshold = t
		}
	}
}

// New creates a matcher over idx.
func New(idx *toolindex.Index, opts ...Option) *Matcher {
	m := &Matcher{index: idx, threshold: DefaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Search returns up to limit entries scoring above the threshold, sorted by
// descending score. Equal scores keep index order. No hits is an empty
// slice, not an error.
func (m *Matcher) Search(query string, limit int) ([]Result, error) {
	tokens := toolindex.Tokenize(query)
	if len(tokens) == 0 {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	results := []Result{}
	if m.index == nil {
		return results, nil
	}
	for _, e := range m.index.All() {
		r := score(e, tokens)
		if r.Score > m.threshold {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// score computes the weighted relevance of e for the query tokens.
func score(e toolindex.Entry, tokens []string) Result {
	res := Result{Entry: e}
	name := strings.ToLower(e.Name)
	desc := strings.ToLower(e.Description)
	n := float64(len(tokens))

	for _, tok := range tokens {
		if strings.Contains(name, tok) {
			res.Score += nameWeight
			res.Matches = append(res.Matches, Match{Field: FieldName, Value: tok, Relevance: nameWeight})
			break
		}
	}

	var kwHits int
	for _, tok := range tokens {
		if kw, ok := matchKeyword(e.Keywords, tok); ok {
			kwHits++
			res.Matches = append(res.Matches, Match{Field: FieldKeywords, Value: kw, Relevance: keywordWeight / n})
		}
	}
	res.Score += keywordWeight * float64(kwHits) / n

	var descHits int
	for _, tok := range tokens {
		if strings.Contains(desc, tok) {
			descHits++
			res.Matches = append(res.Matches, Match{Field: FieldDescription, Value: tok, Relevance: descriptionWeight / n})
		}
	}
	res.Score += descriptionWeight * float64(descHits) / n

	res.Score = min(max(res.Score, 0), 1)
	return res
}

// matchKeyword finds a keyword that contains tok or is contained in it.
func matchKeyword(keywords []string, tok string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(kw, tok) || strings.Contains(tok, kw) {
			return kw, true
		}
	}
	return "", false
}
