package process

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
)

// newShellBackend runs "Python" programs with /bin/sh so tests need no
// interpreter beyond a POSIX shell.
func newShellBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	return New(Config{
		Python:    []string{"sh"},
		TempRoot:  root,
		KillGrace: 500 * time.Millisecond,
		Lookup: func(name string) (string, bool) {
			switch name {
			case "PATH":
				return os.Getenv("PATH"), true
			case "LANG":
				return "C.UTF-8", true
			case "SECRET_TOKEN":
				return "hunter2", true
			}
			return "", false
		},
	}), root
}

func shellRequest(code string, timeoutMS int) sandbox.Request {
	return sandbox.Request{
		Code:     code,
		Language: language.Python,
		Config:   sandbox.Config{Limits: sandbox.Limits{TimeoutMS: timeoutMS}},
	}
}

func TestBackend_Success(t *testing.T) {
	t.Parallel()

	b, root := newShellBackend(t)
	res := b.Execute(context.Background(), shellRequest(`echo 'log line'; echo '__RESULT__: {"ok":true}'`, 5000))

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Output, `__RESULT__: {"ok":true}`) {
		t.Errorf("Output = %q", res.Output)
	}
	if res.ExitCode != 0 || res.Backend != sandbox.KindProcess {
		t.Errorf("ExitCode = %d, Backend = %s", res.ExitCode, res.Backend)
	}
	if res.Metrics.MemoryUsed == "" {
		t.Error("MemoryUsed must be set")
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("sandbox directory not removed: %v", entries)
	}
}

func TestBackend_CuratedEnvironment(t *testing.T) {
	t.Parallel()

	b, _ := newShellBackend(t)
	res := b.Execute(context.Background(), shellRequest(`env`, 5000))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	for _, want := range []string{"NODE_ENV=sandbox", "LANG=C.UTF-8", "HOME=", "TMPDIR="} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("missing %q in env:\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, "hunter2") {
		t.Error("unlisted host variable leaked into the sandbox")
	}
}

func TestBackend_DangerousAllowlist(t *testing.T) {
	t.Parallel()

	b, root := newShellBackend(t)
	req := shellRequest(`echo hi`, 5000)
	req.Config.AllowedEnvVars = []string{"SECRET_TOKEN"}

	res := b.Execute(context.Background(), req)
	if res.Success {
		t.Fatal("expected failure for dangerous allow-list entry")
	}
	if !strings.Contains(res.Error, "SECRET_TOKEN") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Metrics.MemoryUsed != "0 B" {
		t.Errorf("MemoryUsed = %q, want zero", res.Metrics.MemoryUsed)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("sandbox directory not removed: %v", entries)
	}
}

func TestBackend_NonZeroExit(t *testing.T) {
	t.Parallel()

	b, _ := newShellBackend(t)
	res := b.Execute(context.Background(), shellRequest("echo oops >&2; exit 3", 5000))

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Error, "code 3") || !strings.Contains(res.Error, "oops") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Timeout {
		t.Error("non-zero exit is not a timeout")
	}
}

func TestBackend_Timeout(t *testing.T) {
	t.Parallel()

	b, root := newShellBackend(t)
	start := time.Now()
	res := b.Execute(context.Background(), shellRequest("echo started; sleep 10", 1000))

	if res.Success || !res.Timeout {
		t.Fatalf("result = %+v", res)
	}
	if res.Error != sandbox.TimeoutMessage {
		t.Errorf("Error = %q, want %q", res.Error, sandbox.TimeoutMessage)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("sandbox directory not removed: %v", entries)
	}
}

func TestBackend_MissingInterpreter(t *testing.T) {
	t.Parallel()

	b := New(Config{Python: []string{"definitely-not-an-interpreter-xyz"}, TempRoot: t.TempDir()})
	res := b.Execute(context.Background(), shellRequest("print(1)", 5000))
	if res.Success || !strings.Contains(res.Error, "starting interpreter") {
		t.Errorf("result = %+v", res)
	}
}

func TestBackend_TranspileFailure(t *testing.T) {
	t.Parallel()

	b := New(Config{TempRoot: t.TempDir()})
	res := b.Execute(context.Background(), sandbox.Request{
		Code:     "const = ;",
		Language: language.TypeScript,
	})
	if res.Success || !strings.Contains(res.Error, "transpile failed") {
		t.Errorf("result = %+v", res)
	}
}

func TestPrepare_NodeMemoryFlag(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	cfg := sandbox.Config{Limits: sandbox.Limits{Memory: "256M"}}.WithDefaults()
	argv, src, err := b.prepare("const x: number = 1;", language.TypeScript, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if argv[0] != "node" || argv[len(argv)-1] != "--max-old-space-size=256" {
		t.Errorf("argv = %q", argv)
	}
	if strings.Contains(src, ": number") {
		t.Errorf("source not transpiled: %s", src)
	}
	if len(b.cfg.Node) != 2 {
		t.Error("prepare mutated the configured argv")
	}
	if entrypoint(language.TypeScript) != "main.js" || entrypoint(language.Python) != "main.py" {
		t.Error("unexpected entrypoints")
	}
}
