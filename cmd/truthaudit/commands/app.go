package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/engine"
	"github.com/oktsec/truthaudit/internal/escalation"
	"github.com/oktsec/truthaudit/internal/notify"
	"github.com/oktsec/truthaudit/internal/policy"
	"github.com/oktsec/truthaudit/internal/registry"
	"github.com/oktsec/truthaudit/internal/stream"
	"github.com/oktsec/truthaudit/internal/telemetry"
)

// app is the wired process: store, registry, notifier, telemetry and the
// engine on top of them.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      audit.Backend
	registry   registry.Registry
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics
	engine     *engine.Engine

	closers []func(context.Context) error
}

// loadConfig reads cfgFile, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if config.Exists(cfgFile) {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens only the configured backend, for commands that never
// run an audit.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Backend, error) {
	st, err := audit.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	return st, nil
}

func openRegistry(ctx context.Context, cfg *config.Config, st audit.Backend, logger *slog.Logger) (registry.Registry, func(context.Context) error, error) {
	if cfg.Registry.Driver != "redis" {
		return st, nil, nil
	}
	r, err := registry.NewRedisRegistry(ctx, registry.Config{
		Addr:     cfg.Registry.Addr,
		Password: cfg.Registry.Password,
		DB:       cfg.Registry.DB,
		Prefix:   cfg.Registry.Prefix,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, func(context.Context) error { return r.Close() }, nil
}

// newApp builds every collaborator from cfg and initializes the engine.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	reg, closeReg, err := openRegistry(ctx, cfg, a.store, logger)
	if err != nil {
		return nil, err
	}
	a.registry = reg
	if closeReg != nil {
		a.closers = append(a.closers, closeReg)
	}

	a.dispatcher = newDispatcher(cfg, logger)
	a.closers = append(a.closers, func(context.Context) error { a.dispatcher.Wait(); return nil })

	var events engine.EventStore = a.store
	if len(cfg.Stream.Brokers) > 0 {
		pub := stream.NewPublisher(cfg.Stream.Brokers, cfg.Stream.Topic, logger)
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		events = stream.NewTeeEventStore(a.store, pub, logger)
		logger.Info("event stream enabled", "brokers", cfg.Stream.Brokers, "topic", cfg.Stream.Topic)
	}

	var recorder engine.Recorder
	if cfg.Telemetry.Metrics {
		a.metrics = telemetry.NewMetrics(true)
		recorder = a.metrics
	}

	shutdown, err := setupTracing(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if err := syncRules(ctx, cfg, a.store, logger); err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Options{
		AuditorID:      cfg.Auditor.ID,
		ReviewerID:     cfg.Auditor.ReviewerID,
		BatchLimit:     cfg.Auditor.BatchLimit,
		Interval:       cfg.Auditor.Interval,
		Workers:        cfg.Auditor.Workers,
		StoreTimeout:   cfg.Auditor.StoreTimeout,
		AllowReaudit:   cfg.Auditor.AllowReaudit,
		ClaimTimeout:   cfg.Auditor.ClaimTimeout,
		BaselineWindow: cfg.BaselineWindow(),
		Escalation: escalation.Config{
			SessionLength:   cfg.Escalation.SessionLength,
			ScoreDrop:       cfg.Escalation.ScoreDrop,
			SampleRate:      cfg.Escalation.SampleRate,
			DefaultBaseline: cfg.Escalation.DefaultBaseline,
		},
	}, engine.Deps{
		Sessions: a.store,
		Rules:    a.store,
		Scores:   a.store,
		Events:   events,
		Registry: a.registry,
		Notifier: a.dispatcher,
		Recorder: recorder,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing auditor: %w", err)
	}
	return a, nil
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *notify.Dispatcher {
	var slackSender *notify.SlackSender
	if cfg.Notify.SlackToken != "" {
		slackSender = notify.NewSlackSender(cfg.Notify.SlackToken, cfg.Notify.SlackAPIURL, nil)
	}
	var hooks *notify.WebhookSender
	if len(cfg.Notify.Webhooks) > 0 {
		list := make([]notify.Webhook, 0, len(cfg.Notify.Webhooks))
		for _, w := range cfg.Notify.Webhooks {
			list = append(list, notify.Webhook{Name: w.Name, URL: w.URL, Template: w.Template})
		}
		hooks = notify.NewWebhookSender(list, cfg.Notify.AllowPrivate, logger)
	}
	return notify.NewDispatcher(slackSender, hooks, cfg.Notify.Timeout, logger)
}

func setupTracing(cfg *config.Config) (func(context.Context) error, error) {
	tc := telemetry.TracingConfig{
		Enabled:     cfg.Telemetry.Tracing,
		ServiceName: "truthaudit",
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	var traceFile *os.File
	if cfg.Telemetry.Tracing && cfg.Telemetry.TraceFile != "" {
		f, err := os.OpenFile(cfg.Telemetry.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening trace file: %w", err)
		}
		traceFile = f
		tc.Output = f
	}
	shutdown, err := telemetry.SetupTracing(tc)
	if err != nil {
		if traceFile != nil {
			_ = traceFile.Close()
		}
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if traceFile != nil {
			err = errors.Join(err, traceFile.Close())
		}
		return err
	}, nil
}

// ruleSyncer is the store surface rule syncing needs.
type ruleSyncer interface {
	UpsertRules(ctx context.Context, rules []policy.Rule) error
	SyncRules(ctx context.Context, rules []policy.Rule) error
	RuleCount(ctx context.Context) (int, error)
}

// syncRules makes the store match the catalog file, disabling stored rules
// the file no longer lists. Without a file it seeds the built-in defaults
// into an empty store.
func syncRules(ctx context.Context, cfg *config.Config, st ruleSyncer, logger *slog.Logger) error {
	if cfg.Rules.File != "" {
		rules, err := policy.LoadCatalog(cfg.Rules.File)
		if err != nil {
			return err
		}
		if err := st.SyncRules(ctx, rules); err != nil {
			return fmt.Errorf("syncing rule catalog: %w", err)
		}
		logger.Info("rule catalog synced", "file", cfg.Rules.File, "rules", len(rules))
		return nil
	}
	if !cfg.Rules.SeedDefaults {
		return nil
	}
	n, err := st.RuleCount(ctx)
	if err != nil {
		return fmt.Errorf("counting rules: %w", err)
	}
	if n > 0 {
		return nil
	}
	rules, err := policy.DefaultRules()
	if err != nil {
		return err
	}
	if err := st.UpsertRules(ctx, rules); err != nil {
		return fmt.Errorf("seeding default rules: %w", err)
	}
	logger.Info("seeded default pause rules", "rules", len(rules))
	return nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withStore runs fn against the configured store and agent registry
// without building the engine.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st audit.Backend, reg registry.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel, os.Stderr)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg, closeReg, err := openRegistry(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	if closeReg != nil {
		defer func() { _ = closeReg(context.Background()) }()
	}
	return fn(ctx, cfg, st, reg)
}
