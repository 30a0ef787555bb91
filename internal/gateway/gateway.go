// Package gateway provides the HTTP API: execution, tool search, approval
// decisions, cleanup, housekeeping jobs, history, metrics and a live audit
// stream. It binds to loopback by default.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/cleanup"
	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/metrics"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
)

// Executor is the engine surface the gateway serves.
type Executor interface {
	Execute(ctx context.Context, intent string, lang language.Language, opts engine.Options) engine.Result
	Search(query string, limit int) ([]matcher.Result, error)
	Gate() *approval.Gate
	Capabilities() []sandbox.Capability
}

// Sweeper runs one container cleanup sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
}

// JobRunner reports and triggers housekeeping jobs.
type JobRunner interface {
	Status() []cron.JobStatus
	Trigger(ctx context.Context, name string) error
}

// HistoryReader serves the execution and audit history.
type HistoryReader interface {
	Executions(ctx context.Context, q history.ExecutionQuery) ([]engine.Record, error)
	Execution(ctx context.Context, id string) (engine.Record, error)
	Events(ctx context.Context, q history.EventQuery) ([]security.AuditEvent, error)
}

// Deps are the gateway's collaborators. Engine is required; the rest
// degrade to 404 or 503 responses when nil.
type Deps struct {
	Engine  Executor
	Audit   *security.AuditLogger
	Limiter *security.RateLimiter
	Metrics *metrics.Metrics
	History HistoryReader
	Cleanup Sweeper
	Jobs    JobRunner
	// ActiveContainers reports tracked sandbox containers.
	ActiveContainers func() int
	// ToolCount reports the size of the tool index.
	ToolCount func() int
	// Config is the redacted configuration served at /api/config.
	Config  any
	Version string
	Logger  *slog.Logger
}

// Gateway is the HTTP server.
type Gateway struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New creates a gateway. It does not listen until Start.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.defaults()
	return &Gateway{
		config:    cfg,
		deps:      deps,
		logger:    deps.Logger,
		startedAt: time.Now(),
	}, nil
}

// Handler returns the routed handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.buildRouter()
}

// Start listens on the configured address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return errors.New("gateway: already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}

	g.server = &http.Server{
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: g.config.ReadTimeout,
		ReadTimeout:       g.config.ReadTimeout,
		WriteTimeout:      g.config.WriteTimeout,
	}
	g.addr = ln.Addr()
	g.startedAt = time.Now()

	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("gateway: no auth configured, api routes are disabled", "addr", g.addr.String())
	}

	srv := g.server
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Addr is the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Stop shuts down gracefully within the configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
