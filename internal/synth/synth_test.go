package synth

import (
	"errors"
	"strings"
	"testing"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

func entries(t *testing.T, schemas ...toolindex.ToolSchema) []toolindex.Entry {
	t.Helper()
	idx, err := toolindex.FromSchemas("test", schemas)
	if err != nil {
		t.Fatalf("FromSchemas: %v", err)
	}
	return idx.All()
}

var fsRead = toolindex.ToolSchema{
	Name:        "fs_read",
	Description: "Read a file",
	Parameters: []toolindex.Parameter{
		{Name: "encoding", Type: "string", Description: "Text encoding"},
		{Name: "path", Type: "string", Required: true},
	},
}

func TestSynthesize_TypeScript(t *testing.T) {
	t.Parallel()

	prog, err := New().Synthesize(entries(t, fsRead), language.TypeScript, "read file config.json")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if prog.Entrypoint != "main.ts" {
		t.Errorf("entrypoint = %q", prog.Entrypoint)
	}
	for _, want := range []string{
		"function fsRead(path: string, encoding?: string): unknown {",
		`return call("fs_read", args);`,
		`results["fs_read"] = fsRead("config.json");`,
		`console.log("__RESULT__: " + JSON.stringify(`,
		"globalThis as any).__mcpCall",
	} {
		if !strings.Contains(prog.Source, want) {
			t.Errorf("source missing %q\n%s", want, prog.Source)
		}
	}
}

func TestSynthesize_JavaScriptHasNoTypes(t *testing.T) {
	t.Parallel()

	prog, err := New().Synthesize(entries(t, fsRead), language.JavaScript, "read file config.json")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if strings.Contains(prog.Source, ": string") || strings.Contains(prog.Source, "ToolArgs") {
		t.Errorf("javascript output carries type annotations:\n%s", prog.Source)
	}
	if !strings.Contains(prog.Source, "function fsRead(path, encoding) {") {
		t.Errorf("unexpected signature:\n%s", prog.Source)
	}
}

func TestSynthesize_Python(t *testing.T) {
	t.Parallel()

	prog, err := New().Synthesize(entries(t, fsRead), language.Python, "read file config.json")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for _, want := range []string{
		"def fs_read(path: str, encoding: Optional[str] = None) -> Any:",
		`    if encoding is not None:`,
		`results["fs_read"] = fs_read("config.json")`,
		`print("__RESULT__: " + json.dumps(`,
	} {
		if !strings.Contains(prog.Source, want) {
			t.Errorf("source missing %q\n%s", want, prog.Source)
		}
	}
}

func TestSynthesize_OnlySelectedTools(t *testing.T) {
	t.Parallel()

	all := entries(t,
		fsRead,
		toolindex.ToolSchema{Name: "fs_write", Description: "Write a file"},
		toolindex.ToolSchema{Name: "git_log", Description: "Show history"},
	)

	prog, err := New().Synthesize(all[:1], language.TypeScript, "read it")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if strings.Contains(prog.Source, "fs_write") || strings.Contains(prog.Source, "git_log") {
		t.Errorf("unselected tools leaked into program:\n%s", prog.Source)
	}
	if len(prog.Tools) != 1 || prog.Tools[0] != "fs_read" {
		t.Errorf("Tools = %v", prog.Tools)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New().Synthesize(nil, language.TypeScript, "x"); !errors.Is(err, ErrNoTools) {
		t.Errorf("expected ErrNoTools, got %v", err)
	}
	if _, err := New().Synthesize(entries(t, fsRead), language.Language("rb"), "x"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestSynthesize_EscapesIntent(t *testing.T) {
	t.Parallel()

	intent := "say \"hi\"\n\u2028done"
	prog, err := New().Synthesize(entries(t, fsRead), language.TypeScript, intent)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if strings.Contains(prog.Source, "\u2028") {
		t.Error("line separator must be escaped")
	}
	if !strings.Contains(prog.Source, `const intent = "say \"hi\"\n\u2028done";`) {
		t.Errorf("intent literal not escaped as expected:\n%s", prog.Source)
	}
}

func TestIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		style identStyle
		want  string
	}{
		{"fs_read", camelCase, "fsRead"},
		{"fs_read", snakeCase, "fs_read"},
		{"git-log-all", camelCase, "gitLogAll"},
		{"readFile", snakeCase, "read_file"},
		{"HTTPGet", camelCase, "httpget"},
		{"3d-render", camelCase, "tool3dRender"},
		{"3d-render", snakeCase, "tool_3d_render"},
		{"delete", camelCase, "deleteTool"},
		{"import", snakeCase, "import_"},
		{"call", camelCase, "callTool"},
		{"!!!", camelCase, "tool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := identifier(tt.name, tt.style); got != tt.want {
				t.Errorf("identifier(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw    string
		ts, py string
	}{
		{"string", "string", "str"},
		{"number", "number", "float"},
		{"integer", "number", "int"},
		{"boolean", "boolean", "bool"},
		{"object", "Record<string, unknown>", "Dict[str, Any]"},
		{"array<string>", "string[]", "List[str]"},
		{"number[]", "number[]", "List[float]"},
		{"array<object>", "Array<Record<string, unknown>>", "List[Dict[str, Any]]"},
		{"array", "unknown[]", "List[Any]"},
		{"mystery", "unknown", "Any"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			pt := parseType(tt.raw)
			if got := pt.tsType(); got != tt.ts {
				t.Errorf("tsType(%q) = %q, want %q", tt.raw, got, tt.ts)
			}
			if got := pt.pyType(); got != tt.py {
				t.Errorf("pyType(%q) = %q, want %q", tt.raw, got, tt.py)
			}
		})
	}
}

func TestPlan_ArgumentsFromIntent(t *testing.T) {
	t.Parallel()

	tool := toolindex.ToolSchema{
		Name: "copy",
		Parameters: []toolindex.Parameter{
			{Name: "source_path", Type: "string", Required: true},
			{Name: "dest_path", Type: "string", Required: true},
			{Name: "retries", Type: "integer", Required: true},
			{Name: "overwrite", Type: "boolean", Required: true, Default: true},
			{Name: "endpoint_url", Type: "string", Required: true},
			{Name: "label", Type: "string", Required: true},
		},
	}
	intent := `copy ./a.txt to /tmp/b.txt with 3 retries via https://example.com/x named "nightly"`

	w := newWrapper(entries(t, tool)[0], camelCase, intent)
	want := []any{"./a.txt", "/tmp/b.txt", int64(3), true, "https://example.com/x", "nightly"}
	if len(w.args) != len(want) {
		t.Fatalf("args = %#v, want %#v", w.args, want)
	}
	for i := range want {
		if w.args[i] != want[i] {
			t.Errorf("args[%d] = %#v, want %#v", i, w.args[i], want[i])
		}
	}
}

func TestPyLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{true, "True"},
		{false, "False"},
		{"a\"b", `"a\"b"`},
		{int64(7), "7"},
		{2.0, "2.0"},
		{2.5, "2.5"},
		{[]any{1.0, "x"}, `[1.0, "x"]`},
		{map[string]any{"b": nil, "a": true}, `{"a": True, "b": None}`},
		{[]string{"x"}, `["x"]`},
	}

	for _, tt := range tests {
		if got := pyLiteral(tt.in); got != tt.want {
			t.Errorf("pyLiteral(%#v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
