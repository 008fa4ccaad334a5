package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/api"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/policy"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var continuous bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the audit HTTP API",
		Long: `Starts the HTTP API on the configured address. Baselines and rules are
refreshed on baseline.refresh_schedule, the rule catalog is re-synced when
the file changes (rules.watch) or on SIGHUP, and --continuous also audits
pending sessions every auditor.interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Warn("shutdown cleanup failed", "error", err)
				}
			}()

			reload := func(ctx context.Context) error {
				if err := syncRules(ctx, cfg, a.store, logger); err != nil {
					return err
				}
				return a.engine.Reload(ctx)
			}

			deps := api.Deps{
				Auditor:  a.engine,
				Agents:   a.registry,
				Sessions: a.store,
				Events:   a.store,
				Reload:   reload,
			}
			if a.metrics != nil {
				deps.Metrics = a.metrics.Handler()
			}
			srv, err := api.NewServer(apiOptions(cfg), deps, logger)
			if err != nil {
				return err
			}
			if err := srv.Listen(); err != nil {
				return err
			}

			sched := engine.NewScheduler(a.engine, cfg.Baseline.RefreshSchedule, logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if cfg.Rules.Watch && cfg.Rules.File != "" {
				w := policy.NewWatcher(cfg.Rules.File, 0, logger)
				go func() {
					if err := w.Watch(ctx, reload); err != nil {
						logger.Error("rule watcher stopped", "error", err)
					}
				}()
			}

			go reloadOnHangup(ctx, reload, logger)

			done := make(chan struct{})
			if continuous {
				go func() {
					defer close(done)
					if err := a.engine.RunContinuous(ctx, cfg.Auditor.Interval); err != nil {
						logger.Error("continuous audit stopped", "error", err)
					}
				}()
			} else {
				close(done)
			}

			printBanner(cmd, cfg, srv.Addr(), a, continuous)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve()
			}()

			select {
			case err := <-errCh:
				stop()
				<-done
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				<-done
				return err
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "also audit pending sessions every auditor.interval")
	return cmd
}

func printBanner(cmd *cobra.Command, cfg *config.Config, addr string, a *app, continuous bool) {
	out := cmd.OutOrStdout()
	h := a.engine.Health()

	mode := "on demand"
	if continuous {
		mode = fmt.Sprintf("continuous (every %s)", cfg.Auditor.Interval)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  truthaudit")
	fmt.Fprintln(out, "  ────────────────────────────────────────")
	fmt.Fprintf(out, "  API:        http://%s/api/audit\n", addr)
	fmt.Fprintf(out, "  Health:     http://%s/api/audit/health\n", addr)
	if a.metrics != nil {
		fmt.Fprintf(out, "  Metrics:    http://%s/metrics\n", addr)
	}
	fmt.Fprintln(out, "  ────────────────────────────────────────")
	fmt.Fprintf(out, "  Auditor: %s  |  Rules: %d  |  Baselines: %d\n", h.AuditorID, h.RulesLoaded, h.BaselinesLoaded)
	fmt.Fprintf(out, "  Store: %s  |  Registry: %s  |  Mode: %s\n", cfg.Store.Driver, cfg.Registry.Driver, mode)
	if cfg.Server.APIKey == "" {
		fmt.Fprintln(out, "  Auth: disabled (set server.api_key to require a bearer token)")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Press Ctrl+C to stop.")
	fmt.Fprintln(out)
}

// reloadOnHangup re-syncs rules and baselines on each SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, reload func(context.Context) error, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading rules and baselines")
			if err := reload(ctx); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

// apiOptions maps config onto the HTTP server; batch requests without a
// limit use the same auditor.batch_limit as the CLI and daemon.
func apiOptions(cfg *config.Config) api.Options {
	return api.Options{
		Addr:       cfg.ListenAddr(),
		APIKey:     cfg.Server.APIKey,
		Version:    version,
		BatchLimit: cfg.Auditor.BatchLimit,
	}
}
