package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/registry"
)

func newEventsCmd() *cobra.Command {
	var q audit.EventQuery
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events, newest first",
		Example: `  truthaudit events --agent agent-7
  truthaudit events --kind pause --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st audit.Backend, _ registry.Registry) error {
				events, err := st.Events(ctx, q)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, events)
				}
				if len(events) == 0 {
					fmt.Fprintln(out, "No events.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tAGENT\tSESSION\tTRUTH\tACTION\tREASON")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.Kind, e.AgentID, e.SessionID,
						e.TruthScore, e.ActionTaken, e.TriggerReason)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&q.AgentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&q.SessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "filter by event kind: disable, pause, alert, warning, log, escalate")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
