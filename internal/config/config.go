// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Digest   DigestConfig   `mapstructure:"digest"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	API      APIConfig      `mapstructure:"api"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScanConfig governs the periodic bulk scan.
type ScanConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	IntervalMinutes     int    `mapstructure:"interval_minutes"`
	InitialDelaySeconds int    `mapstructure:"initial_delay_seconds"`
	BaseURL             string `mapstructure:"base_url"`
	ArchiveSnapshots    bool   `mapstructure:"archive_snapshots"`
}

// FetchConfig configures outbound page retrieval.
type FetchConfig struct {
	UserAgent string          `mapstructure:"user_agent"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig caps requests per host. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the chromedp fetcher used for script-rendered hosts.
type HeadlessConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Hosts         []string `mapstructure:"hosts"`
	MaxParallel   int      `mapstructure:"max_parallel"`
	NavTimeoutSec int      `mapstructure:"nav_timeout_seconds"`

	// PromoteShells re-fetches script-shell pages from any host headlessly.
	PromoteShells      bool `mapstructure:"promote_shells"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// DigestConfig governs the daily digest job.
type DigestConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	InitialDelaySeconds int  `mapstructure:"initial_delay_seconds"`
	IntervalHours       int  `mapstructure:"interval_hours"`
}

// SMTPConfig holds mail transport settings for the digest.
type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Secure   bool     `mapstructure:"secure"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && len(c.To) > 0
}

// NotifyConfig tunes the event hub batching.
type NotifyConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// StoreConfig selects the history store backend.
type StoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// ArchiveConfig controls where raw page snapshots are written.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether a real Pub/Sub topic is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// APIConfig toggles optional HTTP routes.
type APIConfig struct {
	MockPages bool `mapstructure:"mock_pages"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROCWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	cfg.SMTP.To = splitAddresses(cfg.SMTP.To)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("scan.enabled", true)
	v.SetDefault("scan.interval_minutes", 60)
	v.SetDefault("scan.initial_delay_seconds", 5)
	v.SetDefault("scan.base_url", "http://localhost:8080")
	v.SetDefault("scan.archive_snapshots", false)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 Robot")
	v.SetDefault("fetch.rate_limit.rps", 0)
	v.SetDefault("fetch.rate_limit.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 15)
	v.SetDefault("headless.promote_shells", true)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.initial_delay_seconds", 120)
	v.SetDefault("digest.interval_hours", 24)
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.secure", true)
	v.SetDefault("notify.buffer_size", 1024)
	v.SetDefault("notify.max_batch_events", 100)
	v.SetDefault("notify.max_batch_wait_ms", 100)
	v.SetDefault("notify.sink_timeout_ms", 5000)
	v.SetDefault("notify.log_events", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "data/procwatch.db")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.auto_migrate", true)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("api.mock_pages", false)
}

// bindLegacyEnv keeps the mail variables the dashboard deployment already sets.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"smtp.host":     {"PROCWATCH_SMTP_HOST", "SMTP_HOST"},
		"smtp.port":     {"PROCWATCH_SMTP_PORT", "SMTP_PORT"},
		"smtp.secure":   {"PROCWATCH_SMTP_SECURE", "SMTP_SECURE"},
		"smtp.username": {"PROCWATCH_SMTP_USERNAME", "SMTP_USER"},
		"smtp.password": {"PROCWATCH_SMTP_PASSWORD", "SMTP_PASS"},
		"smtp.from":     {"PROCWATCH_SMTP_FROM", "SMTP_FROM"},
		"smtp.to":       {"PROCWATCH_SMTP_TO", "ALERT_EMAILS"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func splitAddresses(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scan.IntervalMinutes <= 0 {
		return fmt.Errorf("scan.interval_minutes must be > 0")
	}
	if c.Scan.BaseURL != "" {
		if u, err := url.Parse(c.Scan.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("scan.base_url must be an absolute URL")
		}
	}
	if c.Digest.IntervalHours <= 0 {
		return fmt.Errorf("digest.interval_hours must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.SMTP.Host != "" && c.SMTP.Port <= 0 {
		return fmt.Errorf("smtp.port must be > 0 when smtp.host is set")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	return nil
}

// ScanInterval returns the bulk scan period.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalMinutes) * time.Minute
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
