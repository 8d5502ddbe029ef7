package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

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
fetch:
  user_agent: weaver-agent
  timeout_seconds: 45
  min_content_bytes: 200
  chain: ["local", "render"]
  cookies:
    gated.example: "session=abc"
headless:
  enabled: true
  max_parallel: 3
  nav_timeout_seconds: 30
  wait_selector: "#app"
scrape:
  enabled: true
  endpoint: http://scraper:8191
  api_key: scr-key
dispatch:
  workers: 8
  poll_interval_ms: 250
  max_attempts: 5
db:
  dsn: postgres://weaver@localhost/weaver
storage:
  backend: local
  local_dir: /var/lib/webweaver/snapshots
logging:
  development: true
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
	if cfg.Fetch.UserAgent != "weaver-agent" || cfg.Fetch.MinContentBytes != 200 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if len(cfg.Fetch.Chain) != 2 || cfg.Fetch.Chain[1] != "render" {
		t.Fatalf("expected fetch chain to be loaded: %+v", cfg.Fetch.Chain)
	}
	if cfg.Fetch.Cookies["gated.example"] != "session=abc" {
		t.Fatalf("expected fetch cookies to be loaded: %+v", cfg.Fetch.Cookies)
	}
	if !cfg.Headless.Enabled || cfg.Headless.WaitSelector != "#app" {
		t.Fatalf("expected headless overrides to apply: %+v", cfg.Headless)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.MaxAttempts != 5 {
		t.Fatalf("expected dispatch overrides to apply: %+v", cfg.Dispatch)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.Dispatch.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected poll interval 250ms, got %v", got)
	}
	// untouched sections keep their defaults
	if cfg.AI.Model != "gpt-4o-mini" || cfg.Dispatch.JobTimeoutSeconds != 180 {
		t.Fatalf("expected defaults to survive: %+v %+v", cfg.AI, cfg.Dispatch)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Fetch:    FetchConfig{TimeoutSeconds: 30},
		Dispatch: DispatchConfig{Workers: 5},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid fetch timeout",
			cfg: func() Config {
				c := base
				c.Fetch.TimeoutSeconds = 0
				return c
			}(),
			want: "fetch.timeout_seconds",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Dispatch.Workers = 0
				return c
			}(),
			want: "dispatch.workers",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "scrape missing endpoint",
			cfg: func() Config {
				c := base
				c.Scrape.Enabled = true
				return c
			}(),
			want: "scrape.endpoint",
		},
		{
			name: "ai missing api key",
			cfg: func() Config {
				c := base
				c.AI.Enabled = true
				return c
			}(),
			want: "ai.api_key",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "tape"
				return c
			}(),
			want: "storage.backend",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
