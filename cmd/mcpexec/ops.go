package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flemzord/mcpexec/internal/cleanup"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/sandbox/container"
)

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired and orphaned sandbox containers now",
		Long: "Run one cleanup sweep against the container engine. Containers are " +
			"found by label, so this also removes leftovers of crashed processes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := container.NewCLIClient(cfg.Container.Binary)
			if !client.Available() {
				return fmt.Errorf("container engine %q not found on PATH", cfg.Container.Binary)
			}

			sup := cleanup.New(client, container.NewTracker(), cfg.Cleanup, cleanup.Options{Logger: logger})
			report, err := sup.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, expired %d, removed %d, failed %d in %s\n",
				report.Scanned, report.Expired, report.Removed, report.Failed, report.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		since  time.Duration
		failed bool
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled() {
				return errors.New("history is disabled; set history.path")
			}
			ctx := cmd.Context()
			store, err := history.Open(ctx, cfg.History)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			q := history.ExecutionQuery{Failed: failed, Kind: kind, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			records, err := store.Executions(ctx, q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()
			fmt.Fprintln(w, "WHEN\tID\tLANG\tBACKEND\tRESULT\tRISK\tDURATION\tINTENT")
			for _, r := range records {
				result := "ok"
				if !r.Success {
					result = r.Kind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
					humanize.Time(r.CreatedAt), r.ID, r.Language, orNone(r.Backend),
					result, orNone(r.RiskLevel), r.DurationMS, truncate(r.Intent, 50))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of executions")
	cmd.Flags().DurationVar(&since, "since", 0, "Only executions newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Only failed executions")
	cmd.Flags().StringVar(&kind, "kind", "", "Only failures of this kind")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
