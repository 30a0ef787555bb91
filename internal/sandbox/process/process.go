// Package process runs generated programs as child interpreter processes in
// a throwaway directory with a curated environment.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
)

// Config configures the backend. Zero fields take defaults.
type Config struct {
	// Node and Python are the interpreter command lines; the entry file is
	// appended.
	Node   []string `yaml:"node"`
	Python []string `yaml:"python"`

	// TempRoot is where per-execution directories are created.
	TempRoot string `yaml:"temp_root"`

	// KillGrace is how long a terminated process may take to exit before
	// it is killed.
	KillGrace time.Duration `yaml:"kill_grace"`

	OutputLimit int `yaml:"output_limit"`

	Logger *slog.Logger `yaml:"-"`
	// Lookup overrides os.LookupEnv for the forwarded environment.
	Lookup func(string) (string, bool) `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if len(c.Node) == 0 {
		c.Node = []string{"node", "--disallow-code-generation-from-strings"}
	}
	if len(c.Python) == 0 {
		c.Python = []string{"python3", "-I", "-B"}
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Backend is the child-process sandbox.
type Backend struct {
	cfg Config
}

// New creates a process backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg.withDefaults()}
}

// Kind implements sandbox.Backend.
func (b *Backend) Kind() sandbox.Kind { return sandbox.KindProcess }

// Available reports whether at least one interpreter is on PATH.
func (b *Backend) Available() bool {
	for _, argv := range [][]string{b.cfg.Node, b.cfg.Python} {
		if _, err := exec.LookPath(argv[0]); err == nil {
			return true
		}
	}
	return false
}

// Execute implements sandbox.Backend.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	started := time.Now()
	kind := b.Kind()
	cfg := req.Config.WithDefaults()

	argv, source, err := b.prepare(req.Code, req.Language, cfg)
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}

	dir, err := os.MkdirTemp(b.cfg.TempRoot, "mcpexec-*")
	if err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("creating sandbox directory: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			b.cfg.Logger.Warn("sandbox: removing process directory failed", "dir", dir, "error", err)
		}
	}()

	env, err := security.SandboxEnv(security.SandboxEnvOptions{
		TempDir: dir,
		Allowed: cfg.AllowedEnvVars,
		Extra:   cfg.EnvEntries(),
		Lookup:  b.cfg.Lookup,
	})
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}

	entry := filepath.Join(dir, entrypoint(req.Language))
	if err := os.WriteFile(entry, []byte(source), 0o600); err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("writing program: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	stdout := sandbox.NewOutputBuffer(b.cfg.OutputLimit)
	stderr := sandbox.NewOutputBuffer(b.cfg.OutputLimit)

	//nolint:gosec // argv comes from backend config, not from the program.
	cmd := exec.CommandContext(runCtx, argv[0], append(slices.Clone(argv[1:]), entry)...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = b.cfg.KillGrace
	configureTermination(cmd)

	runErr := cmd.Run()

	var memory uint64
	if cmd.ProcessState != nil {
		memory = maxRSS(cmd.ProcessState)
	}
	metrics := sandbox.Metrics{
		ExecutionTimeMS: sandbox.ElapsedMS(started),
		MemoryUsed:      sandbox.FormatMemory(memory),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res := sandbox.TimedOut(kind, started, stdout.String(), stderr.String())
		res.Metrics = metrics
		return res
	}
	if ctx.Err() != nil {
		res := sandbox.Failed(kind, started, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
		res.Metrics = metrics
		return res
	}

	res := sandbox.Result{
		Success:  runErr == nil,
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd, runErr),
		Backend:  kind,
		Metrics:  metrics,
	}
	if runErr != nil {
		if terminated(cmd.ProcessState) {
			res.Timeout = true
			res.Error = sandbox.TimeoutMessage
			return res
		}
		res.Error = failureMessage(runErr, res.ExitCode, res.Stderr)
	}
	return res
}

// prepare returns the interpreter argv and the source to write.
func (b *Backend) prepare(code string, lang language.Language, cfg sandbox.Config) ([]string, string, error) {
	switch {
	case lang == language.Python:
		return b.cfg.Python, code, nil
	case lang.IsJSFamily():
		js, err := sandbox.ToJavaScript(code, lang)
		if err != nil {
			return nil, "", err
		}
		argv := append([]string(nil), b.cfg.Node...)
		if strings.HasPrefix(filepath.Base(argv[0]), "node") {
			if mb := cfg.MemoryBytes() / sandbox.MiB; mb > 0 {
				argv = append(argv, "--max-old-space-size="+strconv.FormatInt(mb, 10))
			}
		}
		return argv, js, nil
	default:
		return nil, "", fmt.Errorf("unsupported language for process backend: %s", lang)
	}
}

// entrypoint names the file written for lang. TypeScript is transpiled, so
// it runs as JavaScript.
func entrypoint(lang language.Language) string {
	if lang == language.TypeScript {
		return language.JavaScript.Entrypoint()
	}
	return lang.Entrypoint()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func failureMessage(err error, code int, stderr string) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Sprintf("starting interpreter: %v", err)
	}
	msg := fmt.Sprintf("process exited with code %d", code)
	if tail := lastLines(stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
