// Package language enumerates the target languages the engine can
// synthesize and execute.
package language

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned when a language name cannot be resolved.
var ErrUnknown = errors.New("unknown language")

// Language identifies a synthesis and execution target.
type Language string

// Supported languages.
const (
	TypeScript Language = "ts"
	JavaScript Language = "js"
	Python     Language = "py"
)

// Parse resolves a language name or alias ("typescript", "python", ...).
func Parse(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ts", "typescript":
		return TypeScript, nil
	case "js", "javascript", "node":
		return JavaScript, nil
	case "py", "python", "python3":
		return Python, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
}

// IsJSFamily reports whether l runs on a JavaScript engine.
func (l Language) IsJSFamily() bool {
	return l == TypeScript || l == JavaScript
}

// Extension returns the source file extension, without the dot.
func (l Language) Extension() string {
	return string(l)
}

// Entrypoint returns the file name the program is written to.
func (l Language) Entrypoint() string {
	return "main." + l.Extension()
}

// DisplayName returns the human-readable language name.
func (l Language) DisplayName() string {
	switch l {
	case TypeScript:
		return "TypeScript"
	case JavaScript:
		return "JavaScript"
	case Python:
		return "Python"
	default:
		return string(l)
	}
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	switch l {
	case TypeScript, JavaScript, Python:
		return true
	}
	return false
}
