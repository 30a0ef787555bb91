package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/flemzord/mcpexec/internal/language"
)

// ErrTranspile is returned when TypeScript cannot be converted.
var ErrTranspile = errors.New("transpile failed")

// ToJavaScript converts JS-family source to plain JavaScript. JavaScript
// passes through unchanged; Python is rejected.
func ToJavaScript(code string, lang language.Language) (string, error) {
	switch lang {
	case language.JavaScript:
		return code, nil
	case language.TypeScript:
	default:
		return "", fmt.Errorf("%w: %s is not a JavaScript dialect", ErrTranspile, lang.DisplayName())
	}

	res := api.Transform(code, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2020,
		Sourcefile: language.TypeScript.Entrypoint(),
	})
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, m := range res.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
			} else {
				msgs = append(msgs, m.Text)
			}
		}
		return "", fmt.Errorf("%w: %s", ErrTranspile, strings.Join(msgs, "; "))
	}
	return string(res.Code), nil
}
