package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if got := cfg.ScanInterval(); got != 60*time.Minute {
		t.Fatalf("expected 60m scan interval, got %v", got)
	}
	if cfg.Scan.InitialDelaySeconds != 5 || cfg.Digest.InitialDelaySeconds != 120 {
		t.Fatalf("unexpected initial delays: %+v %+v", cfg.Scan, cfg.Digest)
	}
	if cfg.Fetch.UserAgent != "Mozilla/5.0 Robot" {
		t.Fatalf("unexpected user agent %q", cfg.Fetch.UserAgent)
	}
	if cfg.SMTP.Port != 465 || !cfg.SMTP.Secure {
		t.Fatalf("expected implicit TLS mail defaults, got %+v", cfg.SMTP)
	}
	if cfg.Store.Backend != "memory" || cfg.Archive.Backend != "none" {
		t.Fatalf("unexpected backends: %s/%s", cfg.Store.Backend, cfg.Archive.Backend)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scan:
  interval_minutes: 15
  base_url: https://watch.example.com
fetch:
  user_agent: test-agent
  rate_limit:
    rps: 2
    burst: 3
headless:
  enabled: true
  max_parallel: 2
  hosts: ["www.jusbrasil.com.br"]
smtp:
  host: smtp.example.com
  from: robot@example.com
  to: ["a@example.com", "b@example.com, c@example.com"]
store:
  backend: sqlite
  sqlite_path: /tmp/procwatch.db
archive:
  backend: local
  local_dir: /tmp/snapshots
pubsub:
  project_id: proj
  topic: history
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if got := cfg.ScanInterval(); got != 15*time.Minute {
		t.Fatalf("expected 15m interval, got %v", got)
	}
	if cfg.Fetch.RateLimit.RPS != 2 || cfg.Fetch.RateLimit.Burst != 3 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.Fetch.RateLimit)
	}
	if len(cfg.Headless.Hosts) != 1 || cfg.Headless.Hosts[0] != "www.jusbrasil.com.br" {
		t.Fatalf("expected headless hosts, got %v", cfg.Headless.Hosts)
	}
	if len(cfg.SMTP.To) != 3 || cfg.SMTP.To[2] != "c@example.com" {
		t.Fatalf("expected three recipients, got %v", cfg.SMTP.To)
	}
	if !cfg.SMTP.Enabled() {
		t.Fatal("expected smtp to be enabled")
	}
	if cfg.Store.Backend != "sqlite" || cfg.Archive.LocalDir != "/tmp/snapshots" {
		t.Fatalf("unexpected storage config: %+v %+v", cfg.Store, cfg.Archive)
	}
	if !cfg.PubSub.Enabled() {
		t.Fatal("expected pubsub to be enabled")
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

//nolint:paralleltest // t.Setenv cannot run in parallel tests.
func TestLoadBindsLegacyMailEnv(t *testing.T) {
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_SECURE", "false")
	t.Setenv("SMTP_USER", "robot")
	t.Setenv("ALERT_EMAILS", "x@example.com, y@example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 587 || cfg.SMTP.Secure {
		t.Fatalf("expected legacy smtp env to apply, got %+v", cfg.SMTP)
	}
	if cfg.SMTP.Username != "robot" {
		t.Fatalf("expected username from SMTP_USER, got %q", cfg.SMTP.Username)
	}
	if len(cfg.SMTP.To) != 2 || cfg.SMTP.To[1] != "y@example.com" {
		t.Fatalf("expected split recipients, got %v", cfg.SMTP.To)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Scan:    ScanConfig{IntervalMinutes: 60},
		Digest:  DigestConfig{IntervalHours: 24},
		Store:   StoreConfig{Backend: "memory"},
		Archive: ArchiveConfig{Backend: "none"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid interval", func(c *Config) { c.Scan.IntervalMinutes = 0 }, "scan.interval_minutes"},
		{"relative base url", func(c *Config) { c.Scan.BaseURL = "/local" }, "scan.base_url"},
		{"invalid digest interval", func(c *Config) { c.Digest.IntervalHours = 0 }, "digest.interval_hours"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.dsn"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite" }, "store.sqlite_path"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = "gcs" }, "archive.bucket"},
		{"local without dir", func(c *Config) { c.Archive.Backend = "local" }, "archive.local_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
