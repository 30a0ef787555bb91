// Package app provides the shared entry point for the mcpexec commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flemzord/mcpexec/internal/config"
	"github.com/flemzord/mcpexec/internal/gateway"
)

// shutdownTimeout bounds the whole shutdown sequence.
const shutdownTimeout = 30 * time.Second

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, config.ResolvePath is searched and built-in defaults apply
	// when nothing is found.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// LogLevel overrides the configured level when non-nil.
	LogLevel *slog.Level
}

// Open loads and validates the configuration and wires every component.
// The caller must Close the returned App.
func Open(ctx context.Context, params RunParams) (*App, error) {
	cfg, cfgPath, err := config.LoadOrDefault(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return Build(ctx, cfg, cfgPath, Options{
		Version:  params.Version,
		LogLevel: params.LogLevel,
	})
}

// Run starts the scheduler and the HTTP gateway, then blocks until SIGINT
// or SIGTERM. On the way out every tracked container is removed.
func Run(params RunParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := Open(ctx, params)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Serve runs the background jobs and the gateway until ctx is done, then
// shuts everything down and closes a.
func (a *App) Serve(ctx context.Context) (err error) {
	logger := a.Logger
	logger.Info("starting mcpexec",
		"version", a.Version,
		"config", a.ConfigPath,
		"tools", a.Index.Size(),
		"pid", os.Getpid(),
	)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.stopAll(shutdownCtx))
		logger.Info("shutdown complete")
	}()

	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	gw, err := a.NewGateway()
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := gw.Stop(context.Background()); stopErr != nil {
			logger.Warn("gateway: stop failed", "error", stopErr)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// NewGateway builds the HTTP gateway over a's components.
func (a *App) NewGateway() (*gateway.Gateway, error) {
	deps := gateway.Deps{
		Engine:    a.Engine,
		Audit:     a.Audit,
		Limiter:   a.Limiter,
		Metrics:   a.Metrics,
		ToolCount: a.Index.Size,
		Jobs:      a.Scheduler,
		Config:    a.Config.Redacted(),
		Version:   a.Version,
		Logger:    a.Logger,
	}
	if a.History != nil {
		deps.History = a.History
	}
	if a.Cleanup != nil {
		deps.Cleanup = a.Cleanup
	}
	if a.Tracker != nil {
		deps.ActiveContainers = a.Tracker.Len
	}
	return gateway.New(a.Config.Gateway, deps)
}

// stopAll halts background work, removes tracked containers and closes
// every component.
func (a *App) stopAll(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if err := a.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("removing containers: %w", err))
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
