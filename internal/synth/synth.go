// Package synth generates the wrapper program that calls the selected
// tools. Generation is purely syntactic: only the tool schemas and the
// intent text are read, never user data.
package synth

import (
	"errors"
	"fmt"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

var (
	// ErrUnsupportedLanguage is returned for targets without an emitter.
	ErrUnsupportedLanguage = errors.New("unsupported target language")

	// ErrNoTools is returned when asked to synthesize without tools.
	ErrNoTools = errors.New("no tools selected")
)

// ResultMarker prefixes the line carrying the program's JSON result.
const ResultMarker = "__RESULT__: "

// BridgeGlobal is the global function a host may install to route
// call(name, args) to a real MCP client. It takes and returns JSON text.
const BridgeGlobal = "__mcpCall"

// Program is a generated, self-contained source file.
type Program struct {
	Language   language.Language `json:"language"`
	Entrypoint string            `json:"entrypoint"`
	Source     string            `json:"source"`
	// Tools lists the wrapped tool names in emission order.
	Tools []string `json:"tools"`
}

// Synthesizer emits wrapper programs. It holds no state and is safe for
// concurrent use.
type Synthesizer struct{}

// New returns a Synthesizer.
func New() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize emits a program for lang that wraps exactly the given tools,
// invokes each once with arguments derived from intent, and prints the
// collected results on a single ResultMarker line.
func (s *Synthesizer) Synthesize(tools []toolindex.Entry, lang language.Language, intent string) (Program, error) {
	if len(tools) == 0 {
		return Program{}, ErrNoTools
	}

	var em emitter
	switch lang {
	case language.TypeScript:
		em = &jsEmitter{typed: true}
	case language.JavaScript:
		em = &jsEmitter{typed: false}
	case language.Python:
		em = &pyEmitter{}
	default:
		return Program{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	wrappers := make([]wrapper, 0, len(tools))
	used := make(map[string]int)
	for _, t := range tools {
		w := newWrapper(t, em.style(), intent)
		// Two tool names may collapse to the same identifier.
		if n := used[w.ident]; n > 0 {
			w.ident = fmt.Sprintf("%s%d", w.ident, n+1)
		}
		used[w.ident]++
		wrappers = append(wrappers, w)
	}

	names := make([]string, len(wrappers))
	for i, w := range wrappers {
		names[i] = w.tool.Name
	}

	return Program{
		Language:   lang,
		Entrypoint: lang.Entrypoint(),
		Source:     em.emit(wrappers, intent),
		Tools:      names,
	}, nil
}

// emitter renders a full program for one target language.
type emitter interface {
	style() identStyle
	emit(wrappers []wrapper, intent string) string
}
