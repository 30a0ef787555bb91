package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input limits for HTTP bodies, MCP tool arguments and intents.
const (
	DefaultMaxBodySize     = 1 << 20 // 1 MiB
	DefaultMaxJSONDepth    = 32
	DefaultMaxIntentLength = 4096
)

// Validation errors.
var (
	ErrBodyTooLarge  = errors.New("request body exceeds maximum size")
	ErrJSONTooDeep   = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON   = errors.New("invalid JSON")
	ErrInvalidIntent = errors.New("invalid intent")
)

// ReadBounded reads all of r, failing with ErrBodyTooLarge once more than
// limit bytes arrive. A limit <= 0 means DefaultMaxBodySize.
func ReadBounded(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// CheckJSONDepth scans data and fails with ErrJSONTooDeep when objects and
// arrays nest more than limit levels. It does not validate the document;
// brackets inside strings are skipped. A limit <= 0 means
// DefaultMaxJSONDepth.
func CheckJSONDepth(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxJSONDepth
	}
	depth := 0
	inString, escaped := false, false
	for i, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > limit {
				return fmt.Errorf("%w: depth %d at offset %d (max %d)", ErrJSONTooDeep, depth, i, limit)
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}

// DecodeJSON reads at most limit bytes from r, rejects documents nested
// deeper than depth and unmarshals the rest into v. An empty body leaves v
// untouched.
func DecodeJSON(r io.Reader, limit, depth int, v any) error {
	data, err := ReadBounded(r, limit)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return UnmarshalBounded(data, depth, v)
}

// UnmarshalBounded is DecodeJSON for data already in memory, such as the
// raw arguments of an MCP tool call.
func UnmarshalBounded(data []byte, depth int, v any) error {
	if err := CheckJSONDepth(data, depth); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	return nil
}

// ValidateIntent rejects blank intents, intents longer than
// DefaultMaxIntentLength bytes, invalid UTF-8 and control characters other
// than tab and newline.
func ValidateIntent(intent string) error {
	if strings.TrimSpace(intent) == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalidIntent)
	}
	if len(intent) > DefaultMaxIntentLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidIntent, len(intent), DefaultMaxIntentLength)
	}
	if !utf8.ValidString(intent) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidIntent)
	}
	for _, r := range intent {
		if r != '\n' && r != '\t' && r != '\r' && unicode.IsControl(r) {
			return fmt.Errorf("%w: control character %U", ErrInvalidIntent, r)
		}
	}
	return nil
}
