package synth

import (
	"fmt"
	"strings"
)

// jsEmitter renders TypeScript (typed) or plain JavaScript.
type jsEmitter struct {
	typed bool
}

func (e *jsEmitter) style() identStyle { return camelCase }

// ann returns a type annotation when emitting TypeScript.
func (e *jsEmitter) ann(t string) string {
	if !e.typed {
		return ""
	}
	return ": " + t
}

func (e *jsEmitter) emit(wrappers []wrapper, intent string) string {
	var b strings.Builder

	b.WriteString("// Generated by mcpexec. Do not edit.\n")
	if e.typed {
		b.WriteString("type ToolArgs = Record<string, unknown>;\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "function call(name%s, args%s)%s {\n", e.ann("string"), e.ann("ToolArgs"), e.ann("unknown"))
	if e.typed {
		fmt.Fprintf(&b, "  const bridge = (globalThis as any).%s;\n", BridgeGlobal)
	} else {
		fmt.Fprintf(&b, "  const bridge = globalThis.%s;\n", BridgeGlobal)
	}
	b.WriteString("  if (typeof bridge === \"function\") {\n")
	b.WriteString("    return JSON.parse(bridge(name, JSON.stringify(args)));\n")
	b.WriteString("  }\n")
	b.WriteString("  return { tool: name, args: args, status: \"stub\" };\n")
	b.WriteString("}\n")

	for _, w := range wrappers {
		b.WriteString("\n")
		e.emitWrapper(&b, w)
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "const intent = %s;\n", jsLiteral(intent))
	fmt.Fprintf(&b, "const results%s = {};\n", e.ann("Record<string, unknown>"))
	for _, w := range wrappers {
		args := make([]string, len(w.args))
		for i, a := range w.args {
			args[i] = jsLiteral(a)
		}
		key := jsLiteral(w.tool.Name)
		b.WriteString("try {\n")
		fmt.Fprintf(&b, "  results[%s] = %s(%s);\n", key, w.ident, strings.Join(args, ", "))
		b.WriteString("} catch (err) {\n")
		fmt.Fprintf(&b, "  results[%s] = { error: String(err) };\n", key)
		b.WriteString("}\n")
	}

	names := make([]string, len(wrappers))
	for i, w := range wrappers {
		names[i] = jsLiteral(w.tool.Name)
	}
	fmt.Fprintf(&b, "console.log(%s + JSON.stringify({ intent: intent, tools: [%s], results: results }));\n",
		jsLiteral(ResultMarker), strings.Join(names, ", "))

	return b.String()
}

func (e *jsEmitter) emitWrapper(b *strings.Builder, w wrapper) {
	if d := commentText(w.tool.Description); d != "" {
		fmt.Fprintf(b, "// %s: %s\n", w.tool.Name, d)
	}

	sig := make([]string, len(w.params))
	for i, p := range w.params {
		opt := ""
		if !p.required && e.typed {
			opt = "?"
		}
		sig[i] = p.ident + opt + e.ann(p.typ.tsType())
	}
	fmt.Fprintf(b, "function %s(%s)%s {\n", w.ident, strings.Join(sig, ", "), e.ann("unknown"))
	fmt.Fprintf(b, "  const args%s = {};\n", e.ann("ToolArgs"))
	for _, p := range w.params {
		if p.required {
			fmt.Fprintf(b, "  args[%s] = %s;\n", jsLiteral(p.name), p.ident)
			continue
		}
		fmt.Fprintf(b, "  if (%s !== undefined) {\n", p.ident)
		fmt.Fprintf(b, "    args[%s] = %s;\n", jsLiteral(p.name), p.ident)
		b.WriteString("  }\n")
	}
	fmt.Fprintf(b, "  return call(%s, args);\n", jsLiteral(w.tool.Name))
	b.WriteString("}\n")
}
