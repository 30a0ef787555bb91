package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/flemzord/mcpexec/internal/analysis"
	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/cleanup"
	"github.com/flemzord/mcpexec/internal/config"
	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/mcpbridge"
	"github.com/flemzord/mcpexec/internal/metrics"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/sandbox/container"
	"github.com/flemzord/mcpexec/internal/sandbox/process"
	"github.com/flemzord/mcpexec/internal/sandbox/vm"
	"github.com/flemzord/mcpexec/internal/security"
	"github.com/flemzord/mcpexec/internal/synth"
	"github.com/flemzord/mcpexec/internal/telemetry"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

// pingTimeout bounds the container daemon probe at startup.
const pingTimeout = 3 * time.Second

// App holds every wired component. Fields that a configuration disables
// are nil.
type App struct {
	Config     *config.Config
	ConfigPath string
	Version    string

	Logger   *slog.Logger
	Redactor *security.Redactor
	Audit    *security.AuditLogger
	Limiter  *security.RateLimiter
	Metrics  *metrics.Metrics
	History  *history.Store

	Index   *toolindex.Index
	Bridge  *mcpbridge.Bridge
	Gate    *approval.Gate
	Runtime *sandbox.Runtime
	Engine  *engine.Engine

	// Containers is nil when no container engine answers.
	Containers container.Client
	Tracker    *container.Tracker
	Cleanup    *cleanup.Supervisor
	Scheduler  *cron.Scheduler

	closers []func(context.Context) error
}

// Options tune Build.
type Options struct {
	Version string
	// LogLevel overrides the configured level when non-nil.
	LogLevel *slog.Level
	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
	// Containers overrides the docker CLI client, for tests.
	Containers container.Client
	// Tracker defaults to container.DefaultTracker.
	Tracker *container.Tracker
	// SkipContainerProbe registers the container backend without pinging.
	SkipContainerProbe bool
}

// Build wires every component from cfg. On error the components built so
// far are closed.
func Build(ctx context.Context, cfg *config.Config, cfgPath string, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, ConfigPath: cfgPath, Version: opts.Version}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Redactor = security.NewRedactor()
	for _, s := range cfg.Secrets() {
		a.Redactor.AddLiteral(s)
	}
	a.Logger = newLogger(cfg.Log, opts, a.Redactor)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, opts.Version, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	if cfg.History.Enabled() {
		a.History, err = history.Open(ctx, cfg.History)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.History.Close() })
	}

	if err := a.buildAudit(cfg.Audit); err != nil {
		return nil, err
	}

	a.Metrics = metrics.New()
	a.Limiter = security.NewRateLimiter(cfg.Engine.RateLimit)

	if err := a.buildIndex(ctx, cfg.Tools); err != nil {
		return nil, err
	}
	if err := a.buildGate(cfg.Approvals); err != nil {
		return nil, err
	}
	a.buildRuntime(ctx, cfg, opts)

	engineCfg := cfg.Engine.Config
	engineCfg.Sandbox = cfg.Sandbox
	deps := engine.Deps{
		Matcher:   matcher.New(a.Index),
		Synth:     synth.New(),
		Validator: analysis.NewValidator(analysis.NewLoader(cfg.Security.PatternsFile, a.Logger)),
		Assessor:  analysis.NewAssessor(),
		Runtime:   a.Runtime,
		Gate:      a.Gate,
		Audit:     a.Audit,
		Limiter:   a.Limiter,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}
	if len(a.Bridge.Servers()) > 0 {
		deps.Tools = a.Bridge
	}
	if a.History != nil {
		deps.History = a.History
	}
	a.Engine, err = engine.New(engineCfg, deps)
	if err != nil {
		return nil, err
	}

	if err := a.buildScheduler(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func newLogger(cfg config.LogConfig, opts Options, redactor *security.Redactor) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Level)
	if opts.LogLevel != nil {
		level = *opts.LogLevel
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	// Wrap the inner handler in a redacting handler to prevent secret leakage in logs.
	var inner slog.Handler = slog.NewTextHandler(out, handlerOpts)
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(out, handlerOpts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

func (a *App) buildAudit(cfg config.AuditConfig) error {
	var w io.Writer
	switch cfg.Path {
	case "-":
	case "":
		w = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return fmt.Errorf("audit: create directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("audit: open %s: %w", cfg.Path, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		w = f
	}

	auditCfg := security.AuditLoggerConfig{
		Writer:   w,
		Redactor: a.Redactor,
		OnSinkError: func(err error) {
			a.Logger.Warn("audit: history sink failed", "error", err)
		},
	}
	if a.History != nil {
		auditCfg.Sink = a.History
	}
	a.Audit = security.NewAuditLogger(auditCfg)
	return nil
}

func (a *App) buildIndex(ctx context.Context, cfg config.ToolsConfig) error {
	var files *toolindex.Index
	if cfg.Dir != "" {
		var err error
		if files, err = toolindex.Build(cfg.Dir); err != nil {
			return err
		}
	}

	a.Bridge = mcpbridge.New(a.Version, a.Logger)
	a.closers = append(a.closers, func(context.Context) error { return a.Bridge.Close() })

	imported, err := a.Bridge.Connect(ctx, cfg.Servers)
	if err != nil {
		return err
	}
	a.Index, err = toolindex.Merge(files, imported)
	if err != nil {
		return err
	}
	a.Logger.Info("tools indexed", "tools", a.Index.Size(), "servers", len(a.Bridge.Servers()))
	return nil
}

func (a *App) buildGate(cfg config.ApprovalsConfig) error {
	var store approval.Store
	if cfg.Store == config.StoreBolt {
		bolt, err := approval.OpenBoltStore(cfg.Path)
		if err != nil {
			return err
		}
		store = bolt
	}
	a.Gate = approval.NewGate(approval.GateConfig{
		Store:  store,
		Audit:  a.Audit,
		Logger: a.Logger,
		OnDecision: func(req approval.Request) {
			a.Metrics.ObserveApproval(string(req.Status))
		},
	})
	a.closers = append(a.closers, func(context.Context) error { return a.Gate.Close() })
	return nil
}

// buildRuntime registers every backend that can run here. The VM always
// can; the others need an interpreter or a container daemon.
func (a *App) buildRuntime(ctx context.Context, cfg *config.Config, opts Options) {
	procCfg := cfg.Process
	procCfg.Logger = a.Logger
	proc := process.New(procCfg)

	vmCfg := cfg.VM
	vmCfg.Logger = a.Logger
	backends := []sandbox.Backend{vm.New(vmCfg)}

	if proc.Available() {
		backends = append(backends, proc)
	} else {
		a.Logger.Warn("sandbox: no node or python interpreter on PATH, process backend disabled")
	}

	a.Tracker = opts.Tracker
	if a.Tracker == nil {
		a.Tracker = container.DefaultTracker()
	}
	a.Metrics.TrackContainers(a.Tracker.Len)

	client := opts.Containers
	if client == nil {
		cli := container.NewCLIClient(cfg.Container.Binary)
		if cli.Available() {
			client = cli
		}
	}
	if client != nil && !opts.SkipContainerProbe {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			a.Logger.Warn("sandbox: container engine unreachable, container backend disabled", "error", err)
			client = nil
		}
	}
	if client != nil {
		a.Containers = client
		ctrCfg := cfg.Container.Config
		ctrCfg.Logger = a.Logger
		backends = append(backends, container.New(client, a.Tracker, ctrCfg))
		a.Cleanup = cleanup.New(client, a.Tracker, cfg.Cleanup, cleanup.Options{
			Metrics: a.Metrics,
			Logger:  a.Logger,
		})
	}

	a.Runtime = sandbox.NewRuntime(a.Logger, backends...)
	a.Logger.Info("sandbox backends ready", "backends", a.Runtime.Kinds())
}

func (a *App) buildScheduler(cfg *config.Config) error {
	a.Scheduler = cron.NewScheduler(a.Logger)

	jobs := []cron.Job{&cron.ApprovalCleanupJob{
		Gate:         a.Gate,
		MaxAge:       cfg.Approvals.Retention,
		Logger:       a.Logger,
		ScheduleExpr: cfg.Approvals.Schedule,
	}}
	if a.Cleanup != nil {
		jobs = append(jobs, a.Cleanup)
	}
	if a.History != nil {
		jobs = append(jobs, &cron.HistoryRetentionJob{
			Store:  a.History,
			MaxAge: cfg.History.Retention,
			Logger: a.Logger,
		})
	}
	for _, j := range jobs {
		if err := a.Scheduler.RegisterJob(j); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown removes every tracked container. Run calls it on the way out so
// an interrupted execution never leaks a container.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Containers == nil || a.Tracker == nil {
		return nil
	}
	return container.EmergencyCleanup(ctx, a.Containers, a.Tracker, a.Logger)
}

// Close releases every component in reverse build order.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
