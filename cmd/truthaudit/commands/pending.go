package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPendingCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List ended sessions waiting for audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pending, err := a.engine.ListPending(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, map[string]any{"pending_count": len(pending), "sessions": pending})
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, "No pending sessions.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tAGENT\tENDED\tMESSAGES")
				for _, p := range pending {
					ended := "-"
					if p.EndedAt != nil {
						ended = p.EndedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.SessionID, p.AgentID, ended, p.MessageCount)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
