package toolindex

import "errors"

var (
	// ErrDuplicateName is returned when two schemas share a name.
	ErrDuplicateName = errors.New("duplicate tool name")

	// ErrInvalidSchema is returned when a tool file does not match the
	// tool schema format.
	ErrInvalidSchema = errors.New("invalid tool schema")

	// ErrEmptyName is returned for a schema without a name.
	ErrEmptyName = errors.New("tool name must not be empty")
)
