// Package config loads and validates service configuration via Viper and
// holds the runtime policy snapshot swapped by the admin API.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all boot-time configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	AI       AIConfig       `mapstructure:"ai"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs the fetch orchestrator and the plain HTTP strategy.
type FetchConfig struct {
	UserAgent        string   `mapstructure:"user_agent"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MinContentBytes  int      `mapstructure:"min_content_bytes"`
	Chain            []string `mapstructure:"chain"`
	LocalTimeoutSecs int      `mapstructure:"local_timeout_seconds"`
	// Cookies maps a domain to the Cookie header value injected into
	// fetches against it, for login-gated sources.
	Cookies map[string]string `mapstructure:"cookies"`
}

// HeadlessConfig configures the browser rendering strategy.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	Ready         string `mapstructure:"ready"`
	WaitSelector  string `mapstructure:"wait_selector"`
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
	UserAgent     string `mapstructure:"user_agent"`
}

// ScrapeConfig points at the external scraping service.
type ScrapeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AIConfig configures the model-based extraction strategy.
type AIConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	MaxInputChars  int    `mapstructure:"max_input_chars"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DispatchConfig tunes the job worker pool and retry policy.
type DispatchConfig struct {
	Workers           int `mapstructure:"workers"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	ClaimBatch        int `mapstructure:"claim_batch"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	RetryBaseSeconds  int `mapstructure:"retry_base_seconds"`
	RetryMaxSeconds   int `mapstructure:"retry_max_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for progress event publishing. An empty
// project or topic disables the sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// ReloadSubscription, when set, listens for policy-reload broadcasts
	// from other replicas.
	ReloadSubscription string `mapstructure:"reload_subscription"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	// Backend is one of "gcs", "local", "memory", "none".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables use the
// WEBWEAVER_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBWEAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "webweaver/1.0")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.min_content_bytes", 100)
	v.SetDefault("fetch.local_timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.ready", "domready")
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("scrape.enabled", false)
	v.SetDefault("scrape.timeout_seconds", 60)
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_input_chars", 120000)
	v.SetDefault("ai.timeout_seconds", 90)
	v.SetDefault("dispatch.workers", 5)
	v.SetDefault("dispatch.poll_interval_ms", 1000)
	v.SetDefault("dispatch.job_timeout_seconds", 180)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_base_seconds", 30)
	v.SetDefault("dispatch.retry_max_seconds", 900)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Scrape.Enabled && c.Scrape.Endpoint == "" {
		return fmt.Errorf("scrape.endpoint must be set when the scrape client is enabled")
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key must be set when the ai client is enabled")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// FetchTimeout returns the orchestrator's default per-request budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher queue poll cadence.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// JobTimeout returns the per-attempt deadline.
func (c DispatchConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}
