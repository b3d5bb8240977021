package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Features  FeatureConfig   `yaml:"features"`
	Cache     StorageConfig   `yaml:"cache"`
	Samples   SamplesConfig   `yaml:"samples"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Export    ExportConfig    `yaml:"export"`
	Poll      PollConfig      `yaml:"poll"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// GatewayConfig describes the remote gateway serving live paginated data.
type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	PageSize          int           `yaml:"page_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Configured reports whether both the base URL and credentials are present.
func (g GatewayConfig) Configured() bool {
	return g.BaseURL != "" && g.APIKey != ""
}

// FeatureConfig holds deployment-level switches.
type FeatureConfig struct {
	EdgeFetchEnabled bool `yaml:"edge_fetch_enabled"`
	StreamingEnabled bool `yaml:"streaming_enabled"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // "local" | "memory" | "gcs" | "s3" | "postgres"
	LocalDir    string `yaml:"local_dir"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// WriteTimeout bounds a single durable cache write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SamplesConfig struct {
	Dir string `yaml:"dir"`
}

type SimulatorConfig struct {
	BaseURL string        `yaml:"base_url"`
	TTL     time.Duration `yaml:"ttl"`
}

type ExportConfig struct {
	Dir string `yaml:"dir"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the configuration used when no file or environment is present.
// Every network switch is off, so a bare deployment serves bundled samples only.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Timeout:  15 * time.Second,
			PageSize: 500,
		},
		Cache: StorageConfig{
			Backend:  "local",
			LocalDir: "./data/cache",
			Prefix:   "datasets/",

			WriteTimeout: 10 * time.Second,
		},
		Samples:   SamplesConfig{Dir: "./data/samples"},
		Simulator: SimulatorConfig{TTL: 5 * time.Minute},
		Export:    ExportConfig{Dir: "./data/exports"},
		Poll:      PollConfig{Interval: 30 * time.Second},
		Server:    ServerConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		Log:       LogConfig{Format: "json", Level: "info"},
	}
}

// Load reads the optional YAML file named by GRIDLENS_CONFIG and then applies
// environment overrides on top.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("GRIDLENS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for process startup.
func MustLoad() Config {
	log.Println("[config] loading")
	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Validate reports the first invalid value found.
func (c Config) Validate() error {
	if c.Gateway.PageSize <= 0 {
		return fmt.Errorf("%w: gateway page size must be positive, got %d", ErrInvalidConfig, c.Gateway.PageSize)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("%w: gateway timeout must be positive", ErrInvalidConfig)
	}
	if c.Gateway.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: gateway requests per second cannot be negative", ErrInvalidConfig)
	}
	switch c.Cache.Backend {
	case "local":
		if c.Cache.LocalDir == "" {
			return fmt.Errorf("%w: cache local_dir required for local backend", ErrInvalidConfig)
		}
	case "memory":
	case "gcs", "s3":
		if c.Cache.Bucket == "" {
			return fmt.Errorf("%w: cache bucket required for %s backend", ErrInvalidConfig, c.Cache.Backend)
		}
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			return fmt.Errorf("%w: cache postgres_dsn required for postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend)
	}
	if c.Cache.WriteTimeout < 0 {
		return fmt.Errorf("%w: cache write timeout cannot be negative", ErrInvalidConfig)
	}
	if c.Simulator.BaseURL != "" && c.Simulator.TTL <= 0 {
		return fmt.Errorf("%w: simulator ttl must be positive", ErrInvalidConfig)
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("%w: poll interval cannot be negative", ErrInvalidConfig)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Gateway.BaseURL = getenvDefault("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = getenvDefault("GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Gateway.Timeout = getenvDuration("GATEWAY_TIMEOUT", cfg.Gateway.Timeout)
	cfg.Gateway.PageSize = getenvInt("GATEWAY_PAGE_SIZE", cfg.Gateway.PageSize)
	cfg.Gateway.RequestsPerSecond = getenvFloat("GATEWAY_RPS", cfg.Gateway.RequestsPerSecond)

	cfg.Features.EdgeFetchEnabled = getenvBool("EDGE_FETCH_ENABLED", cfg.Features.EdgeFetchEnabled)
	cfg.Features.StreamingEnabled = getenvBool("STREAMING_ENABLED", cfg.Features.StreamingEnabled)

	cfg.Cache.Backend = getenvDefault("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.LocalDir = getenvDefault("CACHE_DIR", cfg.Cache.LocalDir)
	cfg.Cache.Bucket = getenvDefault("CACHE_BUCKET", cfg.Cache.Bucket)
	cfg.Cache.Prefix = getenvDefault("CACHE_PREFIX", cfg.Cache.Prefix)
	cfg.Cache.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Cache.S3Endpoint)
	cfg.Cache.S3Region = getenvDefault("S3_REGION", cfg.Cache.S3Region)
	cfg.Cache.PostgresDSN = getenvDefault("CACHE_POSTGRES_DSN", cfg.Cache.PostgresDSN)
	cfg.Cache.WriteTimeout = getenvDuration("CACHE_WRITE_TIMEOUT", cfg.Cache.WriteTimeout)

	cfg.Samples.Dir = getenvDefault("SAMPLES_DIR", cfg.Samples.Dir)
	cfg.Simulator.BaseURL = getenvDefault("SIMULATOR_BASE_URL", cfg.Simulator.BaseURL)
	cfg.Simulator.TTL = getenvDuration("SIMULATOR_TTL", cfg.Simulator.TTL)
	cfg.Export.Dir = getenvDefault("EXPORT_DIR", cfg.Export.Dir)
	cfg.Poll.Interval = getenvDuration("POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Server.Addr = getenvDefault("HTTP_ADDR", cfg.Server.Addr)

	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Metrics.Enabled = getenvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return def
	}
	return parsed
}
