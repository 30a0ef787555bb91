// Package summary shortens sandbox output for the caller and estimates its
// token cost.
package summary

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// Limit is the output length, in characters, returned verbatim.
	Limit = 2000
	// Head is how many characters a truncated summary keeps.
	Head = 1800
	// CharsPerToken is the token estimate divisor.
	CharsPerToken = 4
)

// Summary is a possibly truncated rendering of an output.
type Summary struct {
	Text       string `json:"text"`
	Truncated  bool   `json:"truncated"`
	TotalChars int    `json:"total_chars"`
	Tokens     int    `json:"estimated_tokens"`
}

// Summarize returns output unchanged when it is shorter than Limit
// characters, otherwise its first Head characters and a notice carrying
// the total length. Tokens estimates the returned text.
func Summarize(output string) Summary {
	total := utf8.RuneCountInString(output)
	if total < Limit {
		return Summary{Text: output, TotalChars: total, Tokens: EstimateTokens(output)}
	}

	var b strings.Builder
	n := 0
	for _, r := range output {
		if n == Head {
			break
		}
		b.WriteRune(r)
		n++
	}
	fmt.Fprintf(&b, "\n\n... [truncated: showing %d of %d characters]", Head, total)
	text := b.String()
	return Summary{Text: text, Truncated: true, TotalChars: total, Tokens: EstimateTokens(text)}
}

// EstimateTokens approximates the token count of s as ceil(chars/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Stringify renders a structured result for summarizing. Strings pass
// through; anything else is indented JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return string(x)
		}
		return Stringify(out)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
