package synth

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/flemzord/mcpexec/internal/toolindex"
)

// wrapperParam is a tool parameter as it appears in a wrapper signature.
type wrapperParam struct {
	name     string
	ident    string
	typ      paramType
	required bool
}

// wrapper is one generated function plus the arguments the plan passes it.
type wrapper struct {
	tool   toolindex.Entry
	ident  string
	params []wrapperParam
	// args holds one value per required parameter, in signature order.
	args []any
}

func newWrapper(t toolindex.Entry, style identStyle, intent string) wrapper {
	w := wrapper{tool: t, ident: identifier(t.Name, style)}

	// Required parameters first, declared order kept within each group.
	var required, optional []wrapperParam
	seen := make(map[string]int)
	for _, p := range t.Parameters {
		id := identifier(p.Name, style)
		if n := seen[id]; n > 0 {
			id += strconv.Itoa(n + 1)
		}
		seen[id]++
		wp := wrapperParam{name: p.Name, ident: id, typ: parseType(p.Type), required: p.Required}
		if p.Required {
			required = append(required, wp)
		} else {
			optional = append(optional, wp)
		}
	}
	w.params = append(required, optional...)

	values := extractValues(intent)
	for _, p := range t.Parameters {
		if p.Required {
			w.args = append(w.args, values.pick(p, intent))
		}
	}
	return w
}

var (
	quotedPattern = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	numberPattern = regexp.MustCompile(`(?:^|\s)(-?\d+(?:\.\d+)?)(?:$|[\s,;.!?])`)
	pathPattern   = regexp.MustCompile(`^(?:[~.]?/)?[\w.\-/]*(?:/[\w.\-]+|\.[A-Za-z][\w]*)$`)
)

// intentValues holds candidate literals pulled from the intent text. Each
// pick consumes a candidate so that two path parameters get two paths.
type intentValues struct {
	quoted  []string
	urls    []string
	paths   []string
	numbers []float64
}

func extractValues(intent string) *intentValues {
	v := &intentValues{}
	for _, m := range quotedPattern.FindAllStringSubmatch(intent, -1) {
		if m[1] != "" {
			v.quoted = append(v.quoted, m[1])
		} else if m[2] != "" {
			v.quoted = append(v.quoted, m[2])
		}
	}
	v.urls = urlPattern.FindAllString(intent, -1)

	for _, field := range strings.Fields(intent) {
		field = strings.TrimRight(strings.Trim(field, `"'(),;:!?`), ".")
		if field == "" || strings.Contains(field, "://") {
			continue
		}
		if pathPattern.MatchString(field) && strings.ContainsAny(field, "./") {
			if _, err := strconv.ParseFloat(field, 64); err == nil {
				continue
			}
			v.paths = append(v.paths, field)
		}
	}

	for _, m := range numberPattern.FindAllStringSubmatch(intent, -1) {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.numbers = append(v.numbers, f)
		}
	}
	return v
}

func popString(list *[]string) (string, bool) {
	if len(*list) == 0 {
		return "", false
	}
	s := (*list)[0]
	*list = (*list)[1:]
	return s, true
}

var (
	pathHints = []string{"path", "file", "dir", "folder", "filename"}
	urlHints  = []string{"url", "uri", "endpoint", "href", "link"}
)

func hasHint(name string, hints []string) bool {
	name = strings.ToLower(name)
	for _, h := range hints {
		if strings.Contains(name, h) {
			return true
		}
	}
	return false
}

// pick chooses the argument value for a required parameter.
func (v *intentValues) pick(p toolindex.Parameter, intent string) any {
	t := parseType(p.Type)
	switch t.kind {
	case kindString, kindUnknown:
		switch {
		case hasHint(p.Name, urlHints):
			if s, ok := popString(&v.urls); ok {
				return s
			}
		case hasHint(p.Name, pathHints):
			if s, ok := popString(&v.paths); ok {
				return s
			}
			if s, ok := popString(&v.quoted); ok {
				return s
			}
		default:
			if s, ok := popString(&v.quoted); ok {
				return s
			}
		}
		if p.Default != nil {
			return p.Default
		}
		if t.kind == kindUnknown {
			return nil
		}
		return intent
	case kindNumber, kindInteger:
		if len(v.numbers) > 0 {
			n := v.numbers[0]
			v.numbers = v.numbers[1:]
			if t.kind == kindInteger {
				return int64(n)
			}
			return n
		}
		if p.Default != nil {
			return p.Default
		}
		return 0
	case kindBoolean:
		if b, ok := p.Default.(bool); ok {
			return b
		}
		return false
	case kindObject:
		if p.Default != nil {
			return p.Default
		}
		return map[string]any{}
	case kindArray:
		if p.Default != nil {
			return p.Default
		}
		return []any{}
	}
	return nil
}
