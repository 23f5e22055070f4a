package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "GSI_"

// EntityTypes are the overlay slices the broadcast multiplexer knows about.
var EntityTypes = []string{"minimap", "hero", "items", "player", "buildings"}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Storage   StorageConfig   `yaml:"storage"`
	Platform  PlatformConfig  `yaml:"platform"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Mock      MockConfig      `yaml:"mock"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT"`
	Host           string   `yaml:"host" env:"HOST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxConnections int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

type IngestConfig struct {
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"INGEST_MAX_BODY_BYTES"`
	InvalidTokenTTL time.Duration `yaml:"invalid_token_ttl" env:"INGEST_INVALID_TOKEN_TTL"`
	LookupTimeout   time.Duration `yaml:"lookup_timeout" env:"INGEST_LOOKUP_TIMEOUT"`
}

type SchedulerConfig struct {
	Tick     time.Duration `yaml:"tick" env:"SCHEDULER_TICK"`
	MaxDelay time.Duration `yaml:"max_delay" env:"SCHEDULER_MAX_DELAY"`
}

type CacheConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" env:"CACHE_SWEEP_INTERVAL"`
	InactiveAfter time.Duration `yaml:"inactive_after" env:"CACHE_INACTIVE_AFTER"`
}

type BroadcastConfig struct {
	DefaultInterval time.Duration            `yaml:"default_interval" env:"BROADCAST_DEFAULT_INTERVAL"`
	Intervals       map[string]time.Duration `yaml:"intervals"`
}

// StorageConfig selects the persistence backend. An empty DBPath keeps
// everything in process memory.
type StorageConfig struct {
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

type PlatformConfig struct {
	PredictionsURL string        `yaml:"predictions_url" env:"PREDICTIONS_URL"`
	ChatURL        string        `yaml:"chat_url" env:"CHAT_URL"`
	MatchDataURL   string        `yaml:"match_data_url" env:"MATCH_DATA_URL"`
	APIToken       string        `yaml:"api_token" env:"PLATFORM_API_TOKEN"`
	Timeout        time.Duration `yaml:"timeout" env:"PLATFORM_TIMEOUT"`
}

type OverlayConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"OVERLAY_JWT_SECRET"`
	// AllowRawToken lets overlays connect with the telemetry token itself
	// instead of a signed overlay token.
	AllowRawToken bool `yaml:"allow_raw_token" env:"OVERLAY_ALLOW_RAW_TOKEN"`
}

type LoggingConfig struct {
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

type MockConfig struct {
	Token    string        `yaml:"token" env:"MOCK_TOKEN"`
	Interval time.Duration `yaml:"interval" env:"MOCK_INTERVAL"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 2000,
		},
		Ingest: IngestConfig{
			MaxBodyBytes:    1 << 20,
			InvalidTokenTTL: 5 * time.Minute,
			LookupTimeout:   5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick:     time.Second,
			MaxDelay: 50 * time.Minute,
		},
		Cache: CacheConfig{
			SweepInterval: 5 * time.Minute,
			InactiveAfter: 10 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			DefaultInterval: time.Second,
			Intervals: map[string]time.Duration{
				"minimap":   500 * time.Millisecond,
				"hero":      time.Second,
				"items":     time.Second,
				"player":    2 * time.Second,
				"buildings": 2 * time.Second,
			},
		},
		Platform: PlatformConfig{
			Timeout: 5 * time.Second,
		},
		Overlay: OverlayConfig{
			AllowRawToken: true,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gsi-overlay",
		},
		Mock: MockConfig{
			Token:    "mock-token",
			Interval: time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"ingest.invalid_token_ttl", c.Ingest.InvalidTokenTTL},
		{"ingest.lookup_timeout", c.Ingest.LookupTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.max_delay", c.Scheduler.MaxDelay},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"cache.inactive_after", c.Cache.InactiveAfter},
		{"broadcast.default_interval", c.Broadcast.DefaultInterval},
		{"platform.timeout", c.Platform.Timeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be positive")
	}
	for name, d := range c.Broadcast.Intervals {
		if !knownEntity(name) {
			return fmt.Errorf("broadcast.intervals: unknown entity type %q", name)
		}
		if d <= 0 {
			return fmt.Errorf("broadcast.intervals.%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// BroadcastInterval returns the minimum push interval for an entity type.
func (c *Config) BroadcastInterval(entity string) time.Duration {
	if d, ok := c.Broadcast.Intervals[entity]; ok {
		return d
	}
	return c.Broadcast.DefaultInterval
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func knownEntity(name string) bool {
	for _, e := range EntityTypes {
		if e == name {
			return true
		}
	}
	return false
}
