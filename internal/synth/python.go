package synth

import (
	"fmt"
	"strings"
)

// pyEmitter renders Python 3.8+ source.
type pyEmitter struct{}

func (e *pyEmitter) style() identStyle { return snakeCase }

func (e *pyEmitter) emit(wrappers []wrapper, intent string) string {
	var b strings.Builder

	b.WriteString("# Generated by mcpexec. Do not edit.\n")
	b.WriteString("import json\n")
	b.WriteString("from typing import Any, Dict, List, Optional\n")
	b.WriteString("\n")
	b.WriteString("ToolArgs = Dict[str, Any]\n")
	b.WriteString("\n\n")
	b.WriteString("def call(name: str, args: ToolArgs) -> Any:\n")
	b.WriteString("    return {\"tool\": name, \"args\": args, \"status\": \"stub\"}\n")

	for _, w := range wrappers {
		b.WriteString("\n\n")
		e.emitWrapper(&b, w)
	}

	b.WriteString("\n\n")
	fmt.Fprintf(&b, "intent = %s\n", pyLiteral(intent))
	b.WriteString("results: Dict[str, Any] = {}\n")
	for _, w := range wrappers {
		args := make([]string, len(w.args))
		for i, a := range w.args {
			args[i] = pyLiteral(a)
		}
		key := pyLiteral(w.tool.Name)
		b.WriteString("try:\n")
		fmt.Fprintf(&b, "    results[%s] = %s(%s)\n", key, w.ident, strings.Join(args, ", "))
		b.WriteString("except Exception as err:\n")
		fmt.Fprintf(&b, "    results[%s] = {\"error\": str(err)}\n", key)
	}

	names := make([]string, len(wrappers))
	for i, w := range wrappers {
		names[i] = pyLiteral(w.tool.Name)
	}
	fmt.Fprintf(&b, "print(%s + json.dumps({\"intent\": intent, \"tools\": [%s], \"results\": results}))\n",
		pyLiteral(ResultMarker), strings.Join(names, ", "))

	return b.String()
}

func (e *pyEmitter) emitWrapper(b *strings.Builder, w wrapper) {
	if d := commentText(w.tool.Description); d != "" {
		fmt.Fprintf(b, "# %s: %s\n", w.tool.Name, d)
	}

	sig := make([]string, len(w.params))
	for i, p := range w.params {
		if p.required {
			sig[i] = fmt.Sprintf("%s: %s", p.ident, p.typ.pyType())
		} else {
			sig[i] = fmt.Sprintf("%s: Optional[%s] = None", p.ident, p.typ.pyType())
		}
	}
	fmt.Fprintf(b, "def %s(%s) -> Any:\n", w.ident, strings.Join(sig, ", "))
	b.WriteString("    args: ToolArgs = {}\n")
	for _, p := range w.params {
		if p.required {
			fmt.Fprintf(b, "    args[%s] = %s\n", pyLiteral(p.name), p.ident)
			continue
		}
		fmt.Fprintf(b, "    if %s is not None:\n", p.ident)
		fmt.Fprintf(b, "        args[%s] = %s\n", pyLiteral(p.name), p.ident)
	}
	fmt.Fprintf(b, "    return call(%s, args)\n", pyLiteral(w.tool.Name))
}
