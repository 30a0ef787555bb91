package synth

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	textlang "golang.org/x/text/language"
)

type identStyle int

const (
	camelCase identStyle = iota
	snakeCase
)

// splitWords breaks a tool or parameter name into lowercase words on
// separators and lower-to-upper camel boundaries.
func splitWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// identifier converts name to a valid identifier in the given style.
func identifier(name string, style identStyle) string {
	words := splitWords(name)
	if len(words) == 0 {
		words = []string{"tool"}
	}

	var id string
	switch style {
	case snakeCase:
		id = strings.Join(words, "_")
	default:
		// Casers carry state; one per call.
		titler := cases.Title(textlang.Und)
		var b strings.Builder
		b.WriteString(words[0])
		for _, w := range words[1:] {
			b.WriteString(titler.String(w))
		}
		id = b.String()
	}

	if r := []rune(id)[0]; unicode.IsDigit(r) {
		if style == snakeCase {
			id = "tool_" + id
		} else {
			id = "tool" + id
		}
	}
	if reserved(id, style) {
		if style == snakeCase {
			id += "_"
		} else {
			id += "Tool"
		}
	}
	return id
}

var jsReserved = map[string]struct{}{
	"break": {}, "case": {}, "catch": {}, "class": {}, "const": {}, "continue": {},
	"debugger": {}, "default": {}, "delete": {}, "do": {}, "else": {}, "enum": {},
	"export": {}, "extends": {}, "false": {}, "finally": {}, "for": {}, "function": {},
	"if": {}, "import": {}, "in": {}, "instanceof": {}, "new": {}, "null": {},
	"return": {}, "super": {}, "switch": {}, "this": {}, "throw": {}, "true": {},
	"try": {}, "typeof": {}, "var": {}, "void": {}, "while": {}, "with": {},
	"yield": {}, "let": {}, "static": {}, "await": {}, "interface": {}, "package": {},
	"private": {}, "protected": {}, "public": {}, "implements": {}, "type": {},
	// Names used by the generated prelude.
	"call": {}, "intent": {}, "results": {}, "args": {},
}

var pyReserved = map[string]struct{}{
	"false": {}, "none": {}, "true": {}, "and": {}, "as": {}, "assert": {}, "async": {},
	"await": {}, "break": {}, "class": {}, "continue": {}, "def": {}, "del": {},
	"elif": {}, "else": {}, "except": {}, "finally": {}, "for": {}, "from": {},
	"global": {}, "if": {}, "import": {}, "in": {}, "is": {}, "lambda": {},
	"nonlocal": {}, "not": {}, "or": {}, "pass": {}, "raise": {}, "return": {},
	"try": {}, "while": {}, "with": {}, "yield": {},
	"call": {}, "intent": {}, "results": {}, "args": {}, "json": {},
}

func reserved(id string, style identStyle) bool {
	set := jsReserved
	if style == snakeCase {
		set = pyReserved
	}
	_, ok := set[strings.ToLower(id)]
	return ok
}
