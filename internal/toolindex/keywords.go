package toolindex

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// minTokenLen is the shortest kept token length, exclusive.
const minTokenLen = 2

// Tokenize lowercases s, splits it on non-word characters and drops
// tokens of length <= 2. Input is NFKC-normalized first so that
// full-width and compatibility forms compare equal.
func Tokenize(s string) []string {
	s = strings.ToLower(norm.NFKC.String(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !isWordRune(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// extractKeywords builds the keyword set from the name parts and the
// description texts.
func extractKeywords(s ToolSchema) []string {
	seen := make(map[string]struct{})
	add := func(w string) {
		if utf8.RuneCountInString(w) > minTokenLen {
			seen[w] = struct{}{}
		}
	}

	name := strings.ToLower(norm.NFKC.String(s.Name))
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' }) {
		add(part)
	}
	for _, w := range Tokenize(s.Description) {
		add(w)
	}
	for _, p := range s.Parameters {
		for _, w := range Tokenize(p.Description) {
			add(w)
		}
	}

	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// categoryRule maps substrings of the name or description to a category.
type categoryRule struct {
	needles  []string
	category string
}

var categoryRules = []categoryRule{
	{[]string{"git"}, "git"},
	{[]string{"file"}, "filesystem"},
	{[]string{"http"}, "network"},
	{[]string{"db", "database"}, "database"},
	{[]string{"test"}, "testing"},
}

// CategoryGeneral is assigned when no rule matches.
const CategoryGeneral = "general"

// inferCategory returns the first matching category, else "general".
func inferCategory(s ToolSchema) string {
	name := strings.ToLower(s.Name)
	desc := strings.ToLower(s.Description)
	for _, rule := range categoryRules {
		for _, n := range rule.needles {
			if strings.Contains(name, n) || strings.Contains(desc, n) {
				return rule.category
			}
		}
	}
	return CategoryGeneral
}
