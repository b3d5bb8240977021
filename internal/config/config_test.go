package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultDisablesNetwork(t *testing.T) {
	cfg := Default()
	if cfg.Features.EdgeFetchEnabled || cfg.Features.StreamingEnabled {
		t.Fatal("default config should not enable network switches")
	}
	if cfg.Gateway.Configured() {
		t.Fatal("default gateway should not be configured")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridlens.yaml")
	yamlDoc := `
gateway:
  base_url: https://gateway.example.com
  api_key: from-file
  page_size: 250
  timeout: 5s
features:
  edge_fetch_enabled: true
cache:
  backend: memory
poll:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GRIDLENS_CONFIG", path)
	t.Setenv("GATEWAY_API_KEY", "from-env")
	t.Setenv("STREAMING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.BaseURL != "https://gateway.example.com" {
		t.Errorf("BaseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env override", cfg.Gateway.APIKey)
	}
	if cfg.Gateway.PageSize != 250 {
		t.Errorf("PageSize = %d, want 250", cfg.Gateway.PageSize)
	}
	if cfg.Gateway.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Gateway.Timeout)
	}
	if !cfg.Features.EdgeFetchEnabled || !cfg.Features.StreamingEnabled {
		t.Errorf("features = %+v, want both enabled", cfg.Features)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("cache backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Poll.Interval != time.Minute {
		t.Errorf("poll interval = %v, want 1m", cfg.Poll.Interval)
	}
	// untouched defaults survive a partial file
	if cfg.Simulator.TTL != 5*time.Minute {
		t.Errorf("simulator ttl = %v, want default 5m", cfg.Simulator.TTL)
	}
}

func TestInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("GRIDLENS_CONFIG", "")
	t.Setenv("GATEWAY_PAGE_SIZE", "many")
	t.Setenv("EDGE_FETCH_ENABLED", "perhaps")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.PageSize != 500 {
		t.Errorf("PageSize = %d, want default 500", cfg.Gateway.PageSize)
	}
	if cfg.Features.EdgeFetchEnabled {
		t.Error("invalid bool should keep default false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero page size", func(c *Config) { c.Gateway.PageSize = 0 }},
		{"zero timeout", func(c *Config) { c.Gateway.Timeout = 0 }},
		{"negative rps", func(c *Config) { c.Gateway.RequestsPerSecond = -1 }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "floppy" }},
		{"gcs without bucket", func(c *Config) { c.Cache.Backend = "gcs" }},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = "postgres" }},
		{"local without dir", func(c *Config) { c.Cache.LocalDir = "" }},
		{"negative cache write timeout", func(c *Config) { c.Cache.WriteTimeout = -time.Second }},
		{"simulator without ttl", func(c *Config) {
			c.Simulator.BaseURL = "https://static.example.com"
			c.Simulator.TTL = 0
		}},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}
