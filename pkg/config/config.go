package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// RBAC cache and seed configuration
	RBAC RBACConfig

	// Auth configuration
	Auth AuthConfig

	// Observability configuration
	Observability ObservabilityConfig

	// ConfigFile is the YAML file the RBAC catalogue was extended from, if any
	ConfigFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DataSource returns the DSN handed to sql.Open. SQLite only enforces
// foreign keys when asked to, so the pragma is added unless already set.
func (c DatabaseConfig) DataSource() string {
	if c.Driver != "sqlite3" || strings.Contains(c.DSN, "_foreign_keys=") || strings.Contains(c.DSN, "_fk=") {
		return c.DSN
	}
	sep := "?"
	if strings.Contains(c.DSN, "?") {
		sep = "&"
	}
	return c.DSN + sep + "_foreign_keys=1"
}

// RBACConfig holds permission cache settings and the extra catalogue loaded
// from the config file.
type RBACConfig struct {
	CacheTTL      time.Duration
	CacheSize     int
	SweepSchedule string

	Capabilities map[string]rbac.PermissionKey
	Permissions  []rbac.PermissionTemplate
	Roles        []rbac.RoleTemplate
}

// Manager converts the settings to an rbac.Config
func (c RBACConfig) Manager() rbac.Config {
	return rbac.Config{
		CacheTTL:      c.CacheTTL,
		CacheSize:     c.CacheSize,
		SweepSchedule: c.SweepSchedule,
		Capabilities:  c.Capabilities,
		Permissions:   c.Permissions,
		Roles:         c.Roles,
	}
}

// AuthConfig holds request authentication settings
type AuthConfig struct {
	// TrustedUserHeader carries the username set by the fronting proxy
	TrustedUserHeader string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  observability.LogLevel
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// Tracing converts the settings to an observability.TracingConfig
func (o ObservabilityConfig) Tracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables and the file
// named by GATEKEEPER_CONFIG_FILE, if set.
func LoadConfig() (*Config, error) {
	return LoadConfigWithFile(getEnv("GATEKEEPER_CONFIG_FILE", ""))
}

// LoadConfigWithFile loads configuration from environment variables and
// extends the RBAC catalogue from path. An empty path skips the file.
func LoadConfigWithFile(path string) (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		RBAC:          loadRBACConfig(),
		Auth:          loadAuthConfig(),
		Observability: loadObservabilityConfig(),
	}

	if path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := file.apply(&cfg.RBAC); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("GATEKEEPER_MAX_BODY_BYTES", 1<<20),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          getEnv("GATEKEEPER_DB_DRIVER", "postgres"),
		DSN:             getEnv("GATEKEEPER_DB_DSN", ""),
		MaxOpenConns:    getEnvInt("GATEKEEPER_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("GATEKEEPER_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("GATEKEEPER_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// loadRBACConfig loads cache configuration from environment
func loadRBACConfig() RBACConfig {
	defaults := rbac.DefaultConfig()
	return RBACConfig{
		CacheTTL:      getEnvDuration("GATEKEEPER_CACHE_TTL", defaults.CacheTTL),
		CacheSize:     getEnvInt("GATEKEEPER_CACHE_SIZE", defaults.CacheSize),
		SweepSchedule: getEnv("GATEKEEPER_CACHE_SWEEP_SCHEDULE", defaults.SweepSchedule),
	}
}

// loadAuthConfig loads authentication configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		TrustedUserHeader: getEnv("GATEKEEPER_TRUSTED_USER_HEADER", "X-Remote-User"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("GATEKEEPER_LOG_FORMAT", observability.FormatJSON)),
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.RBAC.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}
	if c.RBAC.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.RBAC.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.RBAC.SweepSchedule); err != nil {
			return fmt.Errorf("invalid cache sweep schedule %q: %w", c.RBAC.SweepSchedule, err)
		}
	}

	if strings.TrimSpace(c.Auth.TrustedUserHeader) == "" {
		return fmt.Errorf("trusted user header is required")
	}

	switch c.Observability.LogFormat {
	case observability.FormatJSON, observability.FormatText:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
