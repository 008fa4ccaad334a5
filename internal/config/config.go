// Package config loads truthaudit.yaml and applies TRUTHAUDIT_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/oktsec/truthaudit/internal/safefile"
)

const maxConfigBytes = 1 << 20

// Config is the top-level truthaudit configuration.
type Config struct {
	Version    string           `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Auditor    AuditorConfig    `yaml:"auditor"`
	Escalation EscalationConfig `yaml:"escalation"`
	Store      StoreConfig      `yaml:"store"`
	Registry   RegistryConfig   `yaml:"registry"`
	Rules      RulesConfig      `yaml:"rules"`
	Notify     NotifyConfig     `yaml:"notify"`
	Stream     StreamConfig     `yaml:"stream"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // default: 127.0.0.1
	LogLevel string `yaml:"log_level" split_words:"true"`
	APIKey   string `yaml:"api_key,omitempty" split_words:"true"`
}

// AuditorConfig identifies the auditor and sizes its batches.
type AuditorConfig struct {
	ID           string        `yaml:"id"`
	ReviewerID   string        `yaml:"reviewer_id" split_words:"true"`
	BatchLimit   int           `yaml:"batch_limit" split_words:"true"`
	Interval     time.Duration `yaml:"interval"`
	Workers      int           `yaml:"workers"`
	StoreTimeout time.Duration `yaml:"store_timeout" split_words:"true"`
	AllowReaudit bool          `yaml:"allow_reaudit" split_words:"true"`
	ClaimTimeout time.Duration `yaml:"claim_timeout" split_words:"true"`
}

// EscalationConfig holds the secondary-review triggers.
type EscalationConfig struct {
	SessionLength      int     `yaml:"session_length" split_words:"true"`
	ScoreDrop          float64 `yaml:"score_drop" split_words:"true"`
	SampleRate         float64 `yaml:"sample_rate" split_words:"true"`
	DefaultBaseline    float64 `yaml:"default_baseline" split_words:"true"`
	BaselineWindowDays int     `yaml:"baseline_window_days" split_words:"true"`
}

// StoreConfig selects the session, rule, score and event store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn,omitempty"`
}

// RegistryConfig selects where agent state lives.
type RegistryConfig struct {
	Driver   string `yaml:"driver"` // store, redis
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// RulesConfig points at the rule catalog file.
type RulesConfig struct {
	File         string `yaml:"file,omitempty"`
	Watch        bool   `yaml:"watch"`
	SeedDefaults bool   `yaml:"seed_defaults" split_words:"true"`
}

// NotifyConfig configures notification transports.
type NotifyConfig struct {
	SlackToken   string        `yaml:"slack_token,omitempty" split_words:"true"`
	SlackAPIURL  string        `yaml:"slack_api_url,omitempty" split_words:"true"`
	Webhooks     []Webhook     `yaml:"webhooks,omitempty" ignored:"true"`
	AllowPrivate bool          `yaml:"allow_private_webhooks,omitempty" split_words:"true"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Template string `yaml:"template,omitempty"`
}

// StreamConfig enables the Kafka event stream when Brokers is set.
type StreamConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// BaselineConfig schedules baseline and rule refreshes.
type BaselineConfig struct {
	RefreshSchedule string `yaml:"refresh_schedule" split_words:"true"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics     bool    `yaml:"metrics"`
	Tracing     bool    `yaml:"tracing"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty" split_words:"true"`
	TraceFile   string  `yaml:"trace_file,omitempty" split_words:"true"`
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:     8090,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Auditor: AuditorConfig{
			ID:           "CAO-AUD-001",
			ReviewerID:   "CAO-LLM-A5289A",
			BatchLimit:   50,
			Interval:     5 * time.Minute,
			Workers:      1,
			StoreTimeout: 10 * time.Second,
			AllowReaudit: true,
			ClaimTimeout: 15 * time.Minute,
		},
		Escalation: EscalationConfig{
			SessionLength:      8,
			ScoreDrop:          15,
			SampleRate:         0.05,
			DefaultBaseline:    85,
			BaselineWindowDays: 30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "truthaudit.db",
		},
		Registry: RegistryConfig{
			Driver: "store",
		},
		Rules: RulesConfig{
			SeedDefaults: true,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Baseline: BaselineConfig{
			RefreshSchedule: "@every 1h",
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
	}
}

// Load reads a config file over the defaults, then applies environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := safefile.ReadFileMax(path, maxConfigBytes)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TRUTHAUDIT_<SECTION>_<FIELD> variables.
func (c *Config) ApplyEnv() error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"TRUTHAUDIT_SERVER", &c.Server},
		{"TRUTHAUDIT_AUDITOR", &c.Auditor},
		{"TRUTHAUDIT_ESCALATION", &c.Escalation},
		{"TRUTHAUDIT_STORE", &c.Store},
		{"TRUTHAUDIT_REGISTRY", &c.Registry},
		{"TRUTHAUDIT_RULES", &c.Rules},
		{"TRUTHAUDIT_NOTIFY", &c.Notify},
		{"TRUTHAUDIT_STREAM", &c.Stream},
		{"TRUTHAUDIT_BASELINE", &c.Baseline},
		{"TRUTHAUDIT_TELEMETRY", &c.Telemetry},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("env overrides (%s): %w", s.prefix, err)
		}
	}
	return nil
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}
	if c.Auditor.BatchLimit < 1 {
		return fmt.Errorf("auditor.batch_limit must be positive, got %d", c.Auditor.BatchLimit)
	}
	if c.Auditor.Workers < 1 {
		return fmt.Errorf("auditor.workers must be positive, got %d", c.Auditor.Workers)
	}
	if c.Auditor.Interval <= 0 {
		return fmt.Errorf("auditor.interval must be positive")
	}
	if c.Escalation.SampleRate > 1 {
		return fmt.Errorf("escalation.sample_rate must be at most 1, got %g", c.Escalation.SampleRate)
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Registry.Driver {
	case "store":
	case "redis":
		if c.Registry.Addr == "" {
			return fmt.Errorf("registry.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown registry.driver %q", c.Registry.Driver)
	}
	if c.Rules.Watch && c.Rules.File == "" {
		return fmt.Errorf("rules.watch requires rules.file")
	}
	names := make(map[string]bool, len(c.Notify.Webhooks))
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d] has no url", i)
		}
		if w.Name != "" {
			if names[w.Name] {
				return fmt.Errorf("duplicate webhook name %q", w.Name)
			}
			names[w.Name] = true
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// BaselineWindow returns the escalation baseline window as a duration.
func (c *Config) BaselineWindow() time.Duration {
	return time.Duration(c.Escalation.BaselineWindowDays) * 24 * time.Hour
}

// ListenAddr returns bind:port.
func (c *Config) ListenAddr() string {
	bind := c.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", bind, c.Server.Port)
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
