package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/safefile"
	"github.com/oktsec/truthaudit/rules"
)

func newInitCmd() *cobra.Command {
	var force bool
	var withRules bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config (and optionally the default rule catalog)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.Exists(cfgFile) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			}
			cfg := config.Defaults()
			out := cmd.OutOrStdout()

			if withRules {
				data, err := rules.FS().ReadFile(rules.DefaultCatalog)
				if err != nil {
					return fmt.Errorf("reading embedded rules: %w", err)
				}
				path := filepath.Join(filepath.Dir(cfgFile), "rules.yaml")
				if config.Exists(path) && !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				if err := safefile.WriteFileAtomic(path, data, 0o644); err != nil {
					return fmt.Errorf("writing rule catalog: %w", err)
				}
				cfg.Rules.File = path
				fmt.Fprintf(out, "Wrote rule catalog to %s\n", path)
			}

			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote config to %s\n", cfgFile)
			fmt.Fprintln(out, "Next: truthaudit session import <file>, then truthaudit audit batch")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&withRules, "rules", false, "also write the default rule catalog next to the config")
	return cmd
}
