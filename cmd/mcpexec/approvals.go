package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/config"
)

// errMemoryStore explains why the CLI cannot see a serving process's queue.
var errMemoryStore = errors.New("approvals use the in-memory store; set approvals.store to bolt or decide through the gateway API")

// openGate opens the durable approval store outside a running server.
// bbolt holds an exclusive file lock, so this fails while serve runs.
func openGate(cfg *config.Config, logger *slog.Logger) (*approval.Gate, error) {
	if cfg.Approvals.Store != config.StoreBolt {
		return nil, errMemoryStore
	}
	store, err := approval.OpenBoltStore(cfg.Approvals.Path)
	if err != nil {
		return nil, fmt.Errorf("%w (is mcpexec serve running? use the gateway API instead)", err)
	}
	return approval.NewGate(approval.GateConfig{Store: store, Logger: logger}), nil
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and decide held executions",
	}
	cmd.AddCommand(approvalsListCmd(), approvalsDecideCmd(true), approvalsDecideCmd(false), approvalsReviewCmd())
	return cmd
}

func approvalsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gate, err := openGate(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gate.Close() }()

			ctx := cmd.Context()
			list := gate.Pending
			if all {
				list = gate.List
			}
			reqs, err := list(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()
			fmt.Fprintln(w, "ID\tSTATUS\tRISK\tAGE\tINTENT")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s (%d)\t%s\t%s\n",
					r.ID, r.Status, r.Assessment.Level, r.Assessment.Score,
					humanize.Time(r.CreatedAt), truncate(r.Intent, 60))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include decided requests")
	return cmd
}

func approvalsDecideCmd(approve bool) *cobra.Command {
	var actor, reason string
	verb, short := "reject", "Reject a pending request"
	if approve {
		verb, short = "approve", "Approve a pending request"
	}
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gate, err := openGate(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gate.Close() }()

			decide := gate.Reject
			if approve {
				decide = gate.Approve
			}
			ok, err := decide(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			if !ok {
				current, err := gate.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return fmt.Errorf("request %s is already %s", args[0], current.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd by %s\n", args[0], verb, actor)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is deciding")
	usage := "Why"
	if !approve {
		usage = "Why (required)"
	}
	cmd.Flags().StringVar(&reason, "reason", "", usage)
	return cmd
}

// Review choices.
const (
	choiceApprove = "approve"
	choiceReject  = "reject"
	choiceSkip    = "skip"
)

func approvalsReviewCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Walk through pending requests interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gate, err := openGate(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gate.Close() }()

			ctx := cmd.Context()
			pending, err := gate.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending requests.")
				return nil
			}

			var decided int
			for i, req := range pending {
				choice, reason := choiceSkip, ""
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewNote().
							Title(fmt.Sprintf("Request %d of %d: %s", i+1, len(pending), req.ID)).
							Description(describeRequest(req)),
						huh.NewSelect[string]().
							Title("Decision").
							Options(
								huh.NewOption("Skip for now", choiceSkip),
								huh.NewOption("Approve", choiceApprove),
								huh.NewOption("Reject", choiceReject),
							).
							Value(&choice),
						huh.NewInput().
							Title("Reason (required to reject)").
							Validate(func(s string) error {
								if choice == choiceReject && strings.TrimSpace(s) == "" {
									return approval.ErrEmptyReason
								}
								return nil
							}).
							Value(&reason),
					),
				)
				if err := form.RunWithContext(ctx); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						break
					}
					return err
				}

				var ok bool
				switch choice {
				case choiceApprove:
					ok, err = gate.Approve(ctx, req.ID, actor, reason)
				case choiceReject:
					ok, err = gate.Reject(ctx, req.ID, actor, reason)
				default:
					continue
				}
				if err != nil {
					return err
				}
				if ok {
					decided++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decided %d of %d pending requests.\n", decided, len(pending))
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is deciding")
	return cmd
}

func describeRequest(req approval.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", req.Intent)
	fmt.Fprintf(&b, "Language: %s   Risk: %s (%d)   Queued: %s\n",
		req.Language, req.Assessment.Level, req.Assessment.Score,
		req.CreatedAt.Format(time.RFC3339))
	for _, f := range req.Assessment.Factors {
		fmt.Fprintf(&b, "  %s: %d %s\n", f.Name, f.Score, strings.Join(f.Details, "; "))
	}
	if req.Assessment.Recommendation != "" {
		fmt.Fprintf(&b, "%s\n", req.Assessment.Recommendation)
	}
	fmt.Fprintf(&b, "\n%s", req.Code)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
