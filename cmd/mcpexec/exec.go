package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/mcpserver"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/pkg/app"
)

// openApp wires the application for a one-shot command. The returned
// cleanup removes leftover containers and closes every component.
func openApp(ctx context.Context, cmd *cobra.Command) (*app.App, func(), error) {
	params, err := runParams(cmd)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Open(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		bg := context.WithoutCancel(ctx)
		if err := a.Shutdown(bg); err != nil {
			a.Logger.Warn("container cleanup failed", "error", err)
		}
		_ = a.Close(bg)
	}, nil
}

func runCmd() *cobra.Command {
	var (
		lang         string
		timeoutMS    int
		maxTools     int
		tier         string
		approvalID   string
		approvalWait time.Duration
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "run <intent>",
		Short: "Execute one intent and print its result",
		Long: "Execute one intent end to end: match tools, synthesize a program, " +
			"check it, and run it in a sandbox. The exit code reflects the failure kind.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var l language.Language
			if lang != "" {
				parsed, err := language.Parse(lang)
				if err != nil {
					return err
				}
				l = parsed
			}
			opts := engine.Options{
				TimeoutMS:    timeoutMS,
				MaxTools:     maxTools,
				ApprovalID:   approvalID,
				ApprovalWait: approvalWait,
			}
			if tier != "" {
				parsed, err := sandbox.ParseTier(tier)
				if err != nil {
					return err
				}
				opts.Tier = parsed
			}

			a, closeApp, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			res := a.Engine.Execute(ctx, strings.Join(args, " "), l, opts)
			if err := printResult(cmd, res, asJSON); err != nil {
				return err
			}
			if code := res.ExitStatus(); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&lang, "language", "l", "", "Target language: ts, js or py (default from config)")
	cmd.Flags().IntVar(&timeoutMS, "timeout", 0, "Sandbox timeout in milliseconds")
	cmd.Flags().IntVar(&maxTools, "max-tools", 0, "Maximum number of tools to match")
	cmd.Flags().StringVar(&tier, "tier", "", "Security tier: low, medium or high")
	cmd.Flags().StringVar(&approvalID, "approval-id", "", "Resubmit a request an operator approved")
	cmd.Flags().DurationVar(&approvalWait, "approval-wait", 0, "Wait this long for an approval decision (e.g. 2m)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

func printResult(cmd *cobra.Command, res engine.Result, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	errOut := cmd.ErrOrStderr()
	if res.Output != "" {
		fmt.Fprint(out, res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(out)
		}
	}
	if res.Stderr != "" {
		fmt.Fprint(errOut, res.Stderr)
	}
	if !res.Success {
		fmt.Fprintf(errOut, "%s error: %s\n", res.Kind, res.Error)
		if res.Approval != nil {
			fmt.Fprintf(errOut, "approval %s is %s\n", res.Approval.ID, res.Approval.Status)
		}
		return nil
	}
	fmt.Fprintf(errOut, "%s via %s in %dms (memory %s)\n",
		res.Language, res.Backend, res.Metrics.ExecutionTimeMS, res.Metrics.MemoryUsed)
	return nil
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve execute_intent and friends as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, closeApp, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			if err := a.Scheduler.Start(); err != nil {
				return err
			}
			defer func() { _ = a.Scheduler.Stop(context.WithoutCancel(ctx)) }()

			srv := mcpserver.New(a.Engine, a.Version, a.Logger)
			return srv.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}

func toolsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tools [query]",
		Short: "List indexed tools, or rank them against a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			if len(args) == 0 {
				fmt.Fprintln(w, "NAME\tCATEGORY\tDESCRIPTION")
				for _, e := range a.Index.All() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Category, e.Description)
				}
				return nil
			}

			results, err := a.Engine.Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "SCORE\tNAME\tCATEGORY\tDESCRIPTION")
			for _, r := range results {
				fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\n", r.Score, r.Entry.Name, r.Entry.Category, r.Entry.Description)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (default from config)")
	return cmd
}
