// Package vm runs JavaScript-family programs inside an embedded goja
// interpreter with a minimal global surface.
package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/synth"
)

// Config configures the backend.
type Config struct {
	// MaxCallStackSize bounds recursion depth.
	MaxCallStackSize int `yaml:"max_call_stack_size"`
	OutputLimit      int `yaml:"output_limit"`

	Logger *slog.Logger `yaml:"-"`
}

// Backend is the in-process VM sandbox. Each execution gets a fresh
// runtime; nothing is shared between executions.
type Backend struct {
	cfg Config
}

// New creates a VM backend.
func New(cfg Config) *Backend {
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{cfg: cfg}
}

// Kind implements sandbox.Backend.
func (b *Backend) Kind() sandbox.Kind { return sandbox.KindVM }

// UnsupportedPython is the error of a Python program sent to the VM.
const UnsupportedPython = "Unsupported language for VM backend: python (Python requires container or process backend)"

type interruptReason string

const (
	reasonTimeout   interruptReason = "timeout"
	reasonCancelled interruptReason = "cancelled"
)

// Execute implements sandbox.Backend.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	started := time.Now()
	kind := b.Kind()

	if req.Language == language.Python {
		return sandbox.Failed(kind, started, UnsupportedPython)
	}
	src, err := sandbox.ToJavaScript(req.Code, req.Language)
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}

	stdout := sandbox.NewOutputBuffer(b.cfg.OutputLimit)
	stderr := sandbox.NewOutputBuffer(b.cfg.OutputLimit)

	rt := goja.New()
	rt.SetMaxCallStackSize(b.cfg.MaxCallStackSize)
	if err := b.install(ctx, rt, req.Tools, stdout, stderr); err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("preparing vm: %v", err))
	}

	cfg := req.Config.WithDefaults()
	timer := time.AfterFunc(cfg.Timeout(), func() { rt.Interrupt(reasonTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(reasonCancelled) })
	defer stop()

	_, runErr := rt.RunScript(language.JavaScript.Entrypoint(), src)

	metrics := sandbox.Metrics{
		ExecutionTimeMS: sandbox.ElapsedMS(started),
		MemoryUsed:      sandbox.FormatMemory(0),
	}

	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		if interrupted.Value() == reasonTimeout {
			res := sandbox.TimedOut(kind, started, stdout.String(), stderr.String())
			res.Metrics = metrics
			return res
		}
		res := sandbox.Failed(kind, started, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
		res.Metrics = metrics
		return res
	}

	res := sandbox.Result{
		Success: runErr == nil,
		Output:  stdout.String(),
		Stderr:  stderr.String(),
		Backend: kind,
		Metrics: metrics,
	}
	if runErr != nil {
		res.ExitCode = 1
		res.Error = exceptionMessage(runErr)
	}
	return res
}

// install builds the global surface: a tagged console, disabled timers,
// and the tool bridge when a caller is present.
func (b *Backend) install(ctx context.Context, rt *goja.Runtime, tools sandbox.ToolCaller, stdout, stderr *sandbox.OutputBuffer) error {
	console := rt.NewObject()
	for name, sink := range map[string]struct {
		w   *sandbox.OutputBuffer
		tag string
	}{
		"log":   {stdout, ""},
		"info":  {stdout, ""},
		"debug": {stdout, ""},
		"warn":  {stderr, "[warn] "},
		"error": {stderr, "[error] "},
	} {
		if err := console.Set(name, logFunc(sink.w, sink.tag)); err != nil {
			return err
		}
	}
	if err := rt.Set("console", console); err != nil {
		return err
	}

	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "queueMicrotask"} {
		fn := name
		if err := rt.Set(fn, func(goja.FunctionCall) goja.Value {
			panic(rt.NewTypeError(fn + " is disabled in the vm sandbox"))
		}); err != nil {
			return err
		}
	}

	if err := rt.GlobalObject().Delete("eval"); err != nil {
		return fmt.Errorf("remove eval: %w", err)
	}

	if tools != nil {
		bridge := func(name, args string) (string, error) {
			out, err := tools.CallTool(ctx, name, json.RawMessage(args))
			if err != nil {
				return "", err
			}
			return string(out), nil
		}
		if err := rt.Set(synth.BridgeGlobal, bridge); err != nil {
			return err
		}
	}
	return nil
}

func logFunc(w *sandbox.OutputBuffer, tag string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatValue(arg)
		}
		fmt.Fprintf(w, "%s%s\n", tag, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch exported := v.Export().(type) {
	case string:
		return exported
	case map[string]any, []any:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}

func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}
