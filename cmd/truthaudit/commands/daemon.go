package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/engine"
)

func newDaemonCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Audit pending sessions on a fixed interval until stopped",
		Long: `Runs a batch audit immediately and then every --interval (default
auditor.interval). A batch in progress finishes before the daemon exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			sched := engine.NewScheduler(a.engine, cfg.Baseline.RefreshSchedule, logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if interval <= 0 {
				interval = cfg.Auditor.Interval
			}
			return a.engine.RunContinuous(ctx, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between batches (default auditor.interval)")
	return cmd
}
