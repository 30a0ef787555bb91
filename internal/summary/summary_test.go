package summary

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		truncated bool
		wantText  string
	}{
		{name: "empty", input: "", wantText: ""},
		{name: "short", input: "hello", wantText: "hello"},
		{name: "just under limit", input: strings.Repeat("a", 1999), wantText: strings.Repeat("a", 1999)},
		{
			name:      "at limit",
			input:     strings.Repeat("b", 2000),
			truncated: true,
			wantText:  strings.Repeat("b", 1800) + "\n\n... [truncated: showing 1800 of 2000 characters]",
		},
		{
			name:      "long",
			input:     strings.Repeat("c", 10000),
			truncated: true,
			wantText:  strings.Repeat("c", 1800) + "\n\n... [truncated: showing 1800 of 10000 characters]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Summarize(tt.input)
			if got.Truncated != tt.truncated {
				t.Errorf("Truncated = %v, want %v", got.Truncated, tt.truncated)
			}
			if got.Text != tt.wantText {
				t.Errorf("Text length %d, want %d", len(got.Text), len(tt.wantText))
			}
			if got.TotalChars != utf8.RuneCountInString(tt.input) {
				t.Errorf("TotalChars = %d", got.TotalChars)
			}
		})
	}
}

func TestSummarize_RuneSafe(t *testing.T) {
	t.Parallel()

	got := Summarize(strings.Repeat("é", 3000))
	if !utf8.ValidString(got.Text) {
		t.Fatal("summary split a rune")
	}
	head, _, _ := strings.Cut(got.Text, "\n\n...")
	if n := utf8.RuneCountInString(head); n != Head {
		t.Errorf("head has %d characters, want %d", n, Head)
	}
}

func TestSummarize_BoundedLength(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 1999, 2000, 2001, 50000} {
		got := Summarize(strings.Repeat("x", n))
		if utf8.RuneCountInString(got.Text) > Limit+60 {
			t.Errorf("n=%d: summary has %d characters", n, utf8.RuneCountInString(got.Text))
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("z", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.in), got, tt.want)
		}
	}
}

func TestStringify(t *testing.T) {
	t.Parallel()

	if got := Stringify("plain"); got != "plain" {
		t.Errorf("string = %q", got)
	}
	if got := Stringify(nil); got != "" {
		t.Errorf("nil = %q", got)
	}
	if got := Stringify(map[string]int{"a": 1}); got != "{\n  \"a\": 1\n}" {
		t.Errorf("map = %q", got)
	}
	if got := Stringify(json.RawMessage(`{"b":[1,2]}`)); got != "{\n  \"b\": [\n    1,\n    2\n  ]\n}" {
		t.Errorf("raw = %q", got)
	}
	if got := Stringify(json.RawMessage(`not json`)); got != "not json" {
		t.Errorf("invalid raw = %q", got)
	}
}
