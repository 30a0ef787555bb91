// Package main is the entry point for the mcpexec CLI.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/mcpexec/internal/config"
	"github.com/flemzord/mcpexec/pkg/app"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	err := rootCmd().Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpexec",
		Short:         "Turn natural-language intents into sandboxed programs over MCP tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	root.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		versionCmd(),
		runCmd(),
		serveCmd(),
		mcpCmd(),
		toolsCmd(),
		approvalsCmd(),
		cleanupCmd(),
		historyCmd(),
		configCmd(),
		serviceCmd(),
	)
	return root
}

// runParams reads the persistent flags.
func runParams(cmd *cobra.Command) (app.RunParams, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	params := app.RunParams{
		ConfigPath: cfgPath,
		Version:    version,
		Commit:     commit,
		Date:       date,
	}
	if raw, _ := cmd.Flags().GetString("log-level"); raw != "" {
		level, err := config.ParseLevel(raw)
		if err != nil {
			return params, err
		}
		params.LogLevel = &level
	}
	return params, nil
}

// loadConfig loads and validates the configuration without wiring any
// component, for commands that touch a single store.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	params, err := runParams(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, _, err := config.LoadOrDefault(params.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	if params.LogLevel != nil {
		level = *params.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpexec %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and background jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := runParams(cmd)
			if err != nil {
				return err
			}
			return app.Run(params)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, resolved, err := config.LoadOrDefault(path)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resolved == "" {
				resolved = "built-in defaults"
			}
			fmt.Fprintf(out, "Configuration OK (%s)\n", resolved)
			fmt.Fprintf(out, "  language:       %s\n", orNone(string(cfg.Engine.Language)))
			fmt.Fprintf(out, "  security tier:  %s\n", orNone(string(cfg.Engine.Tier)))
			fmt.Fprintf(out, "  tools dir:      %s\n", orNone(cfg.Tools.Dir))
			fmt.Fprintf(out, "  mcp servers:    %d\n", len(cfg.Tools.Servers))
			fmt.Fprintf(out, "  approval store: %s\n", cfg.Approvals.Store)
			fmt.Fprintf(out, "  history:        %s\n", orNone(cfg.History.Path))
			return nil
		},
	})
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
