package synth

import "strings"

// typeKind is the normalized form of a schema parameter type.
type typeKind int

const (
	kindUnknown typeKind = iota
	kindString
	kindNumber
	kindInteger
	kindBoolean
	kindObject
	kindArray
)

// paramType is a parsed schema type. elem is set for arrays.
type paramType struct {
	kind typeKind
	elem *paramType
}

// parseType accepts the loose type strings found in tool schemas:
// "string", "integer", "array<string>", "string[]", "dict", ...
func parseType(raw string) paramType {
	t := strings.ToLower(strings.TrimSpace(raw))

	if inner, ok := strings.CutSuffix(t, "[]"); ok {
		e := parseType(inner)
		return paramType{kind: kindArray, elem: &e}
	}
	if rest, ok := strings.CutPrefix(t, "array<"); ok {
		if inner, ok := strings.CutSuffix(rest, ">"); ok {
			e := parseType(inner)
			return paramType{kind: kindArray, elem: &e}
		}
	}

	switch t {
	case "string", "str", "text":
		return paramType{kind: kindString}
	case "number", "float", "double":
		return paramType{kind: kindNumber}
	case "integer", "int":
		return paramType{kind: kindInteger}
	case "boolean", "bool":
		return paramType{kind: kindBoolean}
	case "object", "dict", "map", "record":
		return paramType{kind: kindObject}
	case "array", "list":
		return paramType{kind: kindArray}
	default:
		return paramType{kind: kindUnknown}
	}
}

// tsType renders t as a TypeScript type.
func (t paramType) tsType() string {
	switch t.kind {
	case kindString:
		return "string"
	case kindNumber, kindInteger:
		return "number"
	case kindBoolean:
		return "boolean"
	case kindObject:
		return "Record<string, unknown>"
	case kindArray:
		if t.elem == nil {
			return "unknown[]"
		}
		inner := t.elem.tsType()
		if t.elem.kind == kindObject {
			return "Array<" + inner + ">"
		}
		return inner + "[]"
	default:
		return "unknown"
	}
}

// pyType renders t as a Python type hint.
func (t paramType) pyType() string {
	switch t.kind {
	case kindString:
		return "str"
	case kindNumber:
		return "float"
	case kindInteger:
		return "int"
	case kindBoolean:
		return "bool"
	case kindObject:
		return "Dict[str, Any]"
	case kindArray:
		if t.elem == nil {
			return "List[Any]"
		}
		return "List[" + t.elem.pyType() + "]"
	default:
		return "Any"
	}
}
