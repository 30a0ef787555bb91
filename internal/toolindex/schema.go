// Package toolindex loads tool schemas from disk (or from MCP servers),
// enriches them with keywords and a coarse category, and serves them to
// the matcher. An Index is immutable once built and safe for concurrent
// reads.
package toolindex

// ToolSchema describes a tool as published by an MCP server.
type ToolSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Returns     Returns     `json:"returns"`
	Examples    []Example   `json:"examples,omitempty"`
}

// Parameter is a single named tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Returns describes a tool's result.
type Returns struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Example is an illustrative invocation.
type Example struct {
	Input       any    `json:"input,omitempty"`
	Output      any    `json:"output,omitempty"`
	Description string `json:"description,omitempty"`
}

// Entry is a ToolSchema enriched at indexing time.
type Entry struct {
	ToolSchema

	// Keywords is the sorted, deduplicated keyword set.
	Keywords []string `json:"keywords"`
	Category string   `json:"category"`
	// Source locates the schema: "<relative path>#<position>" for files,
	// "mcp:<server>" for imported tools.
	Source string `json:"source"`
}

// HasKeyword reports whether kw is in the entry's keyword set.
func (e Entry) HasKeyword(kw string) bool {
	for _, k := range e.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// fileSchema is the JSON Schema every tool file must satisfy: either a
// single tool object or an array of them.
const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "required": {"type": "boolean"}
      }
    },
    "tool": {
      "type": "object",
      "required": ["name", "description"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "parameters": {"type": "array", "items": {"$ref": "#/$defs/parameter"}},
        "returns": {
          "type": "object",
          "properties": {
            "type": {"type": "string"},
            "description": {"type": "string"}
          }
        },
        "examples": {"type": "array", "items": {"type": "object"}}
      }
    }
  },
  "oneOf": [
    {"$ref": "#/$defs/tool"},
    {"type": "array", "items": {"$ref": "#/$defs/tool"}}
  ]
}`
