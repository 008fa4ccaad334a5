package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/registry"
)

func newRulesCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List or sync pause rules",
		Example: `  truthaudit rules
  truthaudit rules --all
  truthaudit rules sync ./rules.yaml
  truthaudit rules check ./rules.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st audit.Backend, _ registry.Registry) error {
				var (
					rules []policy.Rule
					err   error
				)
				if all {
					rules, err = st.AllRules(ctx)
				} else {
					rules, err = st.EnabledRules(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rules) == 0 {
					fmt.Fprintln(out, "No rules in the store. Run `truthaudit rules sync` to load the default catalog.")
					return nil
				}
				fmt.Fprintf(out, "Loaded %d pause rules:\n\n", len(rules))
				printRules(out, rules)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include disabled rules")
	cmd.AddCommand(newRulesSyncCmd(), newRulesCheckCmd())
	return cmd
}

func printRules(out io.Writer, rules []policy.Rule) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONDITION\tSEVERITY\tACTION\tENABLED")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s %s %g\t%s\t%s\t%t\n",
			r.ID, r.DisplayName(), r.Metric, r.Operator, r.Threshold, r.Severity, r.Action, r.Enabled)
	}
	_ = w.Flush()
}

func newRulesSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [catalog.yaml]",
		Short: "Make the stored rules match a catalog",
		Long: `Upserts every rule of the catalog into the store, keyed by rule id, in
catalog order. Stored rules that are not in the catalog are disabled. With no
argument the rules.file from config is used, and without that the embedded
default catalog.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, st audit.Backend, _ registry.Registry) error {
				path := cfg.Rules.File
				if len(args) == 1 {
					path = args[0]
				}
				var (
					rules []policy.Rule
					err   error
				)
				if path != "" {
					rules, err = policy.LoadCatalog(path)
				} else {
					path = "embedded defaults"
					rules, err = policy.DefaultRules()
				}
				if err != nil {
					return err
				}
				if err := st.SyncRules(ctx, rules); err != nil {
					return fmt.Errorf("syncing rules: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d rules from %s.\n", len(rules), path)
				fmt.Fprintln(cmd.OutOrStdout(), "Running servers pick them up on the next refresh, or send SIGHUP.")
				return nil
			})
		},
	}
}

func newRulesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <catalog.yaml>",
		Short: "Validate a rule catalog without touching the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			set := policy.NewSet(rules)
			out := cmd.OutOrStdout()
			for _, e := range set.Skipped() {
				fmt.Fprintf(out, "  skipped: %v\n", e)
			}
			fmt.Fprintf(out, "%d rules, %d enabled, %d invalid\n", len(rules), set.Len(), len(set.Skipped()))
			if len(set.Skipped()) > 0 {
				return fmt.Errorf("%s has invalid rules", args[0])
			}
			return nil
		},
	}
}
