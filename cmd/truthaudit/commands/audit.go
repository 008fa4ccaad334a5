package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit one session or a batch of pending sessions",
	}
	cmd.AddCommand(newAuditSessionCmd(), newAuditBatchCmd())
	return cmd
}

// withApp loads config, wires the app, runs fn and releases everything.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel, os.Stderr)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a)
}

func newAuditSessionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Audit a single session by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.engine.AuditByID(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newAuditBatchCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Audit pending sessions, oldest first",
		Example: `  truthaudit audit batch
  truthaudit audit batch --limit 200 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				results, sum, err := a.engine.RunBatch(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, struct {
						audit.Summary
						Results []audit.Result `json:"results"`
					}{sum, results})
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "No pending sessions.")
					return nil
				}
				for _, r := range results {
					printResult(out, r)
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderSummary(sum))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to audit (default auditor.batch_limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary and results as JSON")
	return cmd
}
