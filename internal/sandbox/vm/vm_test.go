package vm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/synth"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

func run(t *testing.T, code string, lang language.Language) sandbox.Result {
	t.Helper()
	return New(Config{}).Execute(context.Background(), sandbox.Request{
		Code:     code,
		Language: lang,
		Config:   sandbox.Config{Limits: sandbox.Limits{TimeoutMS: 2000}},
	})
}

func TestBackend_PythonUnsupported(t *testing.T) {
	t.Parallel()

	res := run(t, "print('hi')", language.Python)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != UnsupportedPython {
		t.Errorf("Error = %q", res.Error)
	}
	if !strings.Contains(strings.ToLower(res.Error), "python") {
		t.Error("error must mention Python")
	}
	if res.Metrics.MemoryUsed != "0 B" {
		t.Errorf("MemoryUsed = %q", res.Metrics.MemoryUsed)
	}
}

func TestBackend_TypeScript(t *testing.T) {
	t.Parallel()

	res := run(t, "const n: number = 2;\nconsole.log('sum', n + 1, { a: [1, 2] });", language.TypeScript)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Output != "sum 3 {\"a\":[1,2]}\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestBackend_TaggedConsole(t *testing.T) {
	t.Parallel()

	res := run(t, "console.warn('careful'); console.error('bad'); console.log(null, undefined);", language.JavaScript)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Stderr != "[warn] careful\n[error] bad\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Output != "null undefined\n" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestBackend_MinimalGlobals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		want string
	}{
		{"timers disabled", "setTimeout(() => {}, 1);", "setTimeout is disabled"},
		{"eval removed", "eval('1 + 1');", "eval"},
		{"no require", "require('fs');", "require"},
		{"no process", "process.exit(1);", "process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := run(t, tt.code, language.JavaScript)
			if res.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("Error = %q, want it to mention %q", res.Error, tt.want)
			}
		})
	}
}

func TestBackend_Timeout(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res := New(Config{}).Execute(context.Background(), sandbox.Request{
		Code:     "console.log('spinning'); while (true) {}",
		Language: language.JavaScript,
		Config:   sandbox.Config{Limits: sandbox.Limits{TimeoutMS: 1000}},
	})
	if res.Success || !res.Timeout || res.Error != sandbox.TimeoutMessage {
		t.Fatalf("result = %+v", res)
	}
	if res.Output != "spinning\n" {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("interrupt did not stop the loop")
	}
}

func TestBackend_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := New(Config{}).Execute(ctx, sandbox.Request{
		Code:     "for (;;) {}",
		Language: language.JavaScript,
	})
	if res.Success || res.Timeout {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "cancelled") {
		t.Errorf("Error = %q", res.Error)
	}
}

type fakeTools struct {
	calls []string
	err   error
}

func (f *fakeTools) CallTool(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, name+" "+string(args))
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"content":"hello"}`), nil
}

func TestBackend_ToolBridge(t *testing.T) {
	t.Parallel()

	prog, err := synth.New().Synthesize([]toolindex.Entry{{
		ToolSchema: toolindex.ToolSchema{
			Name:        "fs_read",
			Description: "Read a file",
			Parameters:  []toolindex.Parameter{{Name: "path", Type: "string", Required: true}},
		},
	}}, language.TypeScript, "read file config.json")
	if err != nil {
		t.Fatal(err)
	}

	tools := &fakeTools{}
	res := New(Config{}).Execute(context.Background(), sandbox.Request{
		Code:     prog.Source,
		Language: prog.Language,
		Tools:    tools,
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(tools.calls) != 1 || !strings.HasPrefix(tools.calls[0], "fs_read ") || !strings.Contains(tools.calls[0], "config.json") {
		t.Errorf("calls = %q", tools.calls)
	}

	payload, _, ok := sandbox.ExtractResult(res.Output)
	if !ok {
		t.Fatalf("no result line in %q", res.Output)
	}
	var got struct {
		Results map[string]map[string]any `json:"results"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Results["fs_read"]["content"] != "hello" {
		t.Errorf("results = %v", got.Results)
	}

	// A failing tool is caught by the program and reported per tool.
	failing := &fakeTools{err: errors.New("permission denied")}
	res = New(Config{}).Execute(context.Background(), sandbox.Request{
		Code:     prog.Source,
		Language: prog.Language,
		Tools:    failing,
	})
	if !res.Success || !strings.Contains(res.Output, "permission denied") {
		t.Errorf("result = %+v", res)
	}
}

func TestBackend_StubWithoutBridge(t *testing.T) {
	t.Parallel()

	prog, err := synth.New().Synthesize([]toolindex.Entry{{
		ToolSchema: toolindex.ToolSchema{Name: "fs_read", Description: "Read a file"},
	}}, language.JavaScript, "read file config.json")
	if err != nil {
		t.Fatal(err)
	}
	res := run(t, prog.Source, prog.Language)
	if !res.Success || !strings.Contains(res.Output, `"status":"stub"`) {
		t.Errorf("result = %+v", res)
	}
}
