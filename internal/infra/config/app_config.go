// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// CooldownBackend selects where notification cooldown records live.
type CooldownBackend string

const (
	// CooldownMemory keeps records for the process lifetime.
	CooldownMemory CooldownBackend = "memory"
	// CooldownSQLite keeps records in a session-scoped sqlite file.
	CooldownSQLite CooldownBackend = "sqlite"
	// CooldownPostgres keeps records in the shared postgres database.
	CooldownPostgres CooldownBackend = "postgres"
)

// RemoteConfig points the client at the hosted document store.
type RemoteConfig struct {
	BaseURL           string        `yaml:"baseURL" env:"LIVEQUERY_REMOTE_BASE_URL"`
	Token             string        `yaml:"token" env:"LIVEQUERY_REMOTE_TOKEN"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" env:"LIVEQUERY_REMOTE_RPS"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	FreshnessWindow time.Duration `yaml:"freshnessWindow" env:"LIVEQUERY_CACHE_FRESHNESS_WINDOW"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	MaxAge          time.Duration `yaml:"maxAge"`
}

// SubscriptionConfig holds the reconnect policy.
type SubscriptionConfig struct {
	BaseDelay  time.Duration `yaml:"baseDelay" env:"LIVEQUERY_SUBSCRIPTION_BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	MaxRetries *int          `yaml:"maxRetries" env:"LIVEQUERY_SUBSCRIPTION_MAX_RETRIES"`
}

// Retries returns the configured retry budget.
func (c SubscriptionConfig) Retries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

// NotificationsConfig controls error-notification throttling.
type NotificationsConfig struct {
	Cooldown   time.Duration   `yaml:"cooldown" env:"LIVEQUERY_NOTIFICATIONS_COOLDOWN"`
	Store      CooldownBackend `yaml:"store" env:"LIVEQUERY_NOTIFICATIONS_STORE"`
	SQLitePath string          `yaml:"sqlitePath" env:"LIVEQUERY_NOTIFICATIONS_SQLITE_PATH"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"LIVEQUERY_OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ServerConfig configures the document-store HTTP surface.
type ServerConfig struct {
	Addr      string `yaml:"addr" env:"LIVEQUERY_SERVER_ADDR"`
	JWTSecret string `yaml:"jwtSecret" env:"LIVEQUERY_JWT_SECRET"`
	Seed      bool   `yaml:"seed"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn" env:"LIVEQUERY_DATABASE_DSN"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/livequery"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
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
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified livequery configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment   Environment         `yaml:"environment" env:"LIVEQUERY_ENV"`
	Remote        RemoteConfig        `yaml:"remote"`
	Cache         CacheConfig         `yaml:"cache"`
	Subscription  SubscriptionConfig  `yaml:"subscription"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// Default returns a configuration with every default applied.
func Default() AppConfig {
	var cfg AppConfig
	cfg.normalise()
	return cfg
}

// Load reads the YAML file, applies LIVEQUERY_* environment overrides and validates.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file is missing.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return parse(nil)
}

func parse(bytes []byte) (AppConfig, error) {
	var cfg AppConfig
	if len(bytes) > 0 {
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = "http://localhost:8880"
	}
	c.Remote.Token = strings.TrimSpace(c.Remote.Token)
	if c.Remote.RequestsPerSecond <= 0 {
		c.Remote.RequestsPerSecond = 20
	}
	if c.Remote.Burst <= 0 {
		c.Remote.Burst = 5
	}
	if c.Remote.RequestTimeout <= 0 {
		c.Remote.RequestTimeout = 10 * time.Second
	}

	if c.Cache.FreshnessWindow <= 0 {
		c.Cache.FreshnessWindow = 5 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
	if c.Cache.MaxAge <= 0 {
		c.Cache.MaxAge = time.Hour
	}

	if c.Subscription.BaseDelay <= 0 {
		c.Subscription.BaseDelay = 3 * time.Second
	}
	if c.Subscription.MaxDelay <= 0 {
		c.Subscription.MaxDelay = 5 * time.Minute
	}
	if c.Subscription.MaxRetries == nil {
		retries := 3
		c.Subscription.MaxRetries = &retries
	}

	if c.Notifications.Cooldown <= 0 {
		c.Notifications.Cooldown = 30 * time.Second
	}
	c.Notifications.Store = CooldownBackend(strings.ToLower(strings.TrimSpace(string(c.Notifications.Store))))
	if c.Notifications.Store == "" {
		c.Notifications.Store = CooldownMemory
	}
	c.Notifications.SQLitePath = strings.TrimSpace(c.Notifications.SQLitePath)
	if c.Notifications.SQLitePath == "" {
		c.Notifications.SQLitePath = filepath.Join(os.TempDir(), "livequery-cooldowns.db")
	}

	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = ":8880"
	}
	c.Server.JWTSecret = strings.TrimSpace(c.Server.JWTSecret)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "livequery"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote baseURL must be an http(s) URL")
	}
	if c.Remote.RequestsPerSecond <= 0 || c.Remote.Burst <= 0 {
		return fmt.Errorf("remote requestsPerSecond and burst must be >0")
	}
	if c.Cache.FreshnessWindow <= 0 {
		return fmt.Errorf("cache freshnessWindow must be >0")
	}
	if c.Subscription.MaxDelay < c.Subscription.BaseDelay {
		return fmt.Errorf("subscription maxDelay must be >= baseDelay")
	}
	if c.Subscription.Retries() < 0 {
		return fmt.Errorf("subscription maxRetries must be >=0")
	}
	switch c.Notifications.Store {
	case CooldownMemory, CooldownSQLite, CooldownPostgres:
	default:
		return fmt.Errorf("notifications store must be one of memory, sqlite, postgres")
	}
	if c.Environment == EnvProd && c.Server.JWTSecret == "" {
		return fmt.Errorf("server jwtSecret required in prod")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
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
