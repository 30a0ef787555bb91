package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
)

// Validate checks the structural validity of a Config. Every problem is
// reported, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	errs = append(errs, validateTools(cfg.Tools)...)
	errs = append(errs, validateEngine(cfg.Engine)...)

	if err := sandbox.ValidateConfig(cfg.Sandbox).Err(); err != nil {
		errs = append(errs, fmt.Errorf("config: sandbox: %w", err))
	}

	errs = append(errs, validateApprovals(cfg.Approvals)...)

	if cfg.Cleanup.Interval < 0 || cfg.Cleanup.MaxAge < 0 || cfg.Cleanup.MaxPerRun < 0 {
		errs = append(errs, errors.New("config: cleanup values must be non-negative"))
	}

	for lang := range cfg.Container.Images {
		if _, err := language.Parse(string(lang)); err != nil {
			errs = append(errs, fmt.Errorf("config: container.images: %w", err))
		}
	}

	if err := cfg.History.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	if err := cfg.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: gateway: %w", err))
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

func validateTools(t ToolsConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(t.Servers))
	for i, s := range t.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: tools.mcp_servers[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("config: tools.mcp_servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errs
}

func validateEngine(e EngineConfig) []error {
	var errs []error
	if e.Language != "" {
		if _, err := language.Parse(string(e.Language)); err != nil {
			errs = append(errs, fmt.Errorf("config: engine.language: %w", err))
		}
	}
	if e.MaxTools < 0 {
		errs = append(errs, fmt.Errorf("config: engine.max_tools must be non-negative, got %d", e.MaxTools))
	}
	if _, err := sandbox.ParseTier(string(e.Tier)); err != nil {
		errs = append(errs, fmt.Errorf("config: engine.security_tier: %w", err))
	}
	if e.Preference != "" && !e.Preference.Valid() {
		errs = append(errs, fmt.Errorf("config: engine.backend_preference: unknown backend %q", e.Preference))
	}
	if e.ApprovalWait < 0 {
		errs = append(errs, fmt.Errorf("config: engine.approval_wait must be non-negative, got %s", e.ApprovalWait))
	}
	rl := e.RateLimit
	if rl.ExecutionsPerMin < 0 || rl.AuthPerMin < 0 || rl.MaxConcurrent < 0 {
		errs = append(errs, errors.New("config: engine.rate_limit values must be non-negative"))
	}
	return errs
}

func validateApprovals(a ApprovalsConfig) []error {
	var errs []error
	switch a.Store {
	case StoreMemory:
	case StoreBolt:
		if a.Path == "" {
			errs = append(errs, errors.New("config: approvals.path is required for the bolt store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: approvals.store must be %s or %s, got %q", StoreMemory, StoreBolt, a.Store))
	}
	if a.Schedule != "" {
		if err := cron.ValidateSchedule(a.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("config: approvals.schedule: %w", err))
		}
	}
	return errs
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
}
