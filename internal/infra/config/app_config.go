// Package config manages client configuration loading, validation and endpoint resolution.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIConfig controls how the REST client reaches the backend.
type APIConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	WSURL     string        `yaml:"wsURL"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	Burst     int           `yaml:"burst"`
}

// AuthConfig tunes login timeouts and token refresh scheduling.
type AuthConfig struct {
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RefreshBuffer  time.Duration `yaml:"refreshBuffer"`
	WatchInterval  time.Duration `yaml:"watchInterval"`
}

// QueryConfig sets cache defaults applied to every query.
type QueryConfig struct {
	StaleTime time.Duration `yaml:"staleTime"`
	Retry     int           `yaml:"retry"`
}

// ChannelConfig controls websocket reconnect and heartbeat behaviour.
type ChannelConfig struct {
	BaseDelay     time.Duration `yaml:"baseDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// PostgresConfig controls PostgreSQL connectivity for the session store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// StorageConfig selects where remembered sessions live.
type StorageConfig struct {
	Persistent StorageKind    `yaml:"persistent"`
	SQLitePath string         `yaml:"sqlitePath"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified client configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	API         APIConfig       `yaml:"api"`
	Auth        AuthConfig      `yaml:"auth"`
	Query       QueryConfig     `yaml:"query"`
	Channels    ChannelConfig   `yaml:"channels"`
	Storage     StorageConfig   `yaml:"storage"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(string(c.Environment))

	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.API.WSURL = strings.TrimRight(strings.TrimSpace(c.API.WSURL), "/")
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 20
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 10
	}

	if c.Auth.RequestTimeout <= 0 {
		c.Auth.RequestTimeout = 10 * time.Second
	}
	if c.Auth.RefreshBuffer <= 0 {
		c.Auth.RefreshBuffer = 5 * time.Minute
	}
	if c.Auth.WatchInterval <= 0 {
		c.Auth.WatchInterval = time.Minute
	}

	if c.Query.StaleTime < 0 {
		c.Query.StaleTime = 0
	}
	if c.Query.StaleTime == 0 {
		c.Query.StaleTime = 30 * time.Second
	}
	if c.Query.Retry < 0 {
		c.Query.Retry = 0
	}
	if c.Query.Retry == 0 {
		c.Query.Retry = 3
	}

	if c.Channels.BaseDelay <= 0 {
		c.Channels.BaseDelay = time.Second
	}
	if c.Channels.MaxDelay <= 0 {
		c.Channels.MaxDelay = 30 * time.Second
	}
	if c.Channels.MaxAttempts <= 0 {
		c.Channels.MaxAttempts = 10
	}
	if c.Channels.PingInterval <= 0 {
		c.Channels.PingInterval = 30 * time.Second
	}
	if c.Channels.FlushInterval <= 0 {
		c.Channels.FlushInterval = 100 * time.Millisecond
	}

	c.Storage.Persistent = normalizeStorageKind(c.Storage.Persistent)
	sqlitePath := strings.TrimSpace(c.Storage.SQLitePath)
	if sqlitePath == "" {
		sqlitePath = "orchestrator-session.db"
	}
	c.Storage.SQLitePath = filepath.Clean(sqlitePath)
	c.Storage.Postgres.applyDefaults()

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orchestrator-client"
	}
	return nil
}

func (c *PostgresConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	for name, raw := range map[string]string{"api baseURL": c.API.BaseURL, "api wsURL": c.API.WSURL} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.API.Burst <= 0 {
		return fmt.Errorf("api burst must be >0")
	}

	if c.Auth.RefreshBuffer <= 0 {
		return fmt.Errorf("auth refreshBuffer must be >0")
	}
	if c.Channels.MaxDelay < c.Channels.BaseDelay {
		return fmt.Errorf("channels maxDelay must be >= baseDelay")
	}
	if c.Channels.MaxAttempts <= 0 {
		return fmt.Errorf("channels maxAttempts must be >0")
	}

	switch c.Storage.Persistent {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage postgres dsn required")
		}
	default:
		return fmt.Errorf("storage persistent must be one of memory, sqlite, postgres")
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics enabled")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
