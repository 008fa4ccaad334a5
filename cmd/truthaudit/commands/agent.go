package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/registry"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and change agent state (pause, resume, list)",
	}

	cmd.AddCommand(
		newAgentPauseCmd(),
		newAgentResumeCmd(),
		newAgentListCmd(),
	)

	return cmd
}

func newAgentPauseCmd() *cobra.Command {
	var reason string
	var disable bool

	cmd := &cobra.Command{
		Use:   "pause <agent-id>",
		Short: "Pause an agent (or disable it with --disable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, _ audit.Backend, reg registry.Registry) error {
				id := args[0]
				if disable {
					if err := reg.Disable(ctx, id, reason); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Agent %q disabled: %s\n", id, reason)
					return nil
				}
				if err := reg.Pause(ctx, id, reason); err != nil {
					return err
				}
				st, err := reg.Agent(ctx, id)
				if err != nil {
					return err
				}
				if st.Status == audit.AgentDisabled {
					fmt.Fprintf(cmd.OutOrStdout(), "Agent %q is disabled; pause has no effect.\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Agent %q paused: %s\n", id, reason)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "Manual pause via CLI", "reason recorded with the state change")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the agent instead of pausing it")
	return cmd
}

func newAgentResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <agent-id>",
		Short: "Return a paused or disabled agent to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, _ audit.Backend, reg registry.Registry) error {
				if err := reg.Resume(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Agent %q resumed.\n", args[0])
				return nil
			})
		},
	}
}

func newAgentListCmd() *cobra.Command {
	var status string
	var actionOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents known to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, _ audit.Backend, reg registry.Registry) error {
				agents, err := reg.Agents(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				var shown []audit.AgentState
				for _, a := range agents {
					if status != "" && !strings.EqualFold(a.Status, status) {
						continue
					}
					if actionOnly && a.Status == audit.AgentActive {
						continue
					}
					shown = append(shown, a)
				}
				if len(shown) == 0 {
					fmt.Fprintln(out, "No agents.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "AGENT\tSTATUS\tSINCE\tREASON")
				for _, a := range shown {
					since := a.UpdatedAt.Format(time.RFC3339)
					if a.PausedAt != nil {
						since = a.PausedAt.Format(time.RFC3339)
					}
					reason := a.Reason
					if reason == "" {
						reason = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.AgentID, agentStatusLabel(a.Status), since, reason)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: active, paused, disabled")
	cmd.Flags().BoolVar(&actionOnly, "requiring-action", false, "only paused and disabled agents")
	return cmd
}
