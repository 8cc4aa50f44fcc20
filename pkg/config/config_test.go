package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	t.Setenv("GATEKEEPER_TEST_VAR", "custom")

	if got := getEnv("GATEKEEPER_TEST_VAR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("GATEKEEPER_TEST_VAR_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", "true", false, true},
		{"TRUE", "TRUE", false, true},
		{"1", "1", false, true},
		{"false", "false", true, false},
		{"garbage", "yes", true, false},
		{"unset uses default", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GATEKEEPER_TEST_BOOL", tt.envValue)
			if got := getEnvBool("GATEKEEPER_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the numeric and duration helpers
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("GATEKEEPER_TEST_INT", "42")
	t.Setenv("GATEKEEPER_TEST_BAD_INT", "forty-two")
	t.Setenv("GATEKEEPER_TEST_INT64", "9000000000")
	t.Setenv("GATEKEEPER_TEST_DURATION", "90s")
	t.Setenv("GATEKEEPER_TEST_BAD_DURATION", "soon")

	assert.Equal(t, 42, getEnvInt("GATEKEEPER_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("GATEKEEPER_TEST_BAD_INT", 1))
	assert.Equal(t, int64(9000000000), getEnvInt64("GATEKEEPER_TEST_INT64", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("GATEKEEPER_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("GATEKEEPER_TEST_BAD_DURATION", time.Second))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DSN", "postgres://localhost/gatekeeper")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)

	assert.Equal(t, 5*time.Minute, cfg.RBAC.CacheTTL)
	assert.Equal(t, 10000, cfg.RBAC.CacheSize)
	assert.Equal(t, "@every 1m", cfg.RBAC.SweepSchedule)

	assert.Equal(t, "X-Remote-User", cfg.Auth.TrustedUserHeader)

	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, observability.FormatJSON, cfg.Observability.LogFormat)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("GATEKEEPER_PORT", "9000")
	t.Setenv("GATEKEEPER_DB_DRIVER", "sqlite3")
	t.Setenv("GATEKEEPER_DB_DSN", "file:gatekeeper.db")
	t.Setenv("GATEKEEPER_CACHE_TTL", "0")
	t.Setenv("GATEKEEPER_CACHE_SIZE", "50")
	t.Setenv("GATEKEEPER_CACHE_SWEEP_SCHEDULE", "*/5 * * * *")
	t.Setenv("GATEKEEPER_TRUSTED_USER_HEADER", "X-Forwarded-User")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "debug")
	t.Setenv("GATEKEEPER_LOG_FORMAT", "TEXT")
	t.Setenv("GATEKEEPER_OTEL_ENABLED", "true")
	t.Setenv("GATEKEEPER_OTEL_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Zero(t, cfg.RBAC.CacheTTL, "zero TTL disables the cache")
	assert.Equal(t, 50, cfg.RBAC.CacheSize)
	assert.Equal(t, "X-Forwarded-User", cfg.Auth.TrustedUserHeader)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, observability.FormatText, cfg.Observability.LogFormat)

	tracing := cfg.Observability.Tracing()
	assert.True(t, tracing.Enabled)
	assert.Equal(t, "collector:4317", tracing.Endpoint)
	assert.Equal(t, "gatekeeper", tracing.ServiceName)

	manager := cfg.RBAC.Manager()
	assert.Equal(t, 50, manager.CacheSize)
	assert.Equal(t, "*/5 * * * *", manager.SweepSchedule)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: "8080", MaxBodyBytes: 1024},
			Database: DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/db"},
			RBAC:     RBACConfig{CacheTTL: time.Minute, CacheSize: 10, SweepSchedule: "@every 1m"},
			Auth:     AuthConfig{TrustedUserHeader: "X-Remote-User"},
			Observability: ObservabilityConfig{
				LogFormat: observability.FormatJSON,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty sweep schedule disables sweeper", func(c *Config) { c.RBAC.SweepSchedule = "" }, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"non-numeric port", func(c *Config) { c.Server.Port = "http" }, "server port must be numeric"},
		{"zero body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "max body bytes"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"missing DSN", func(c *Config) { c.Database.DSN = "" }, "database DSN is required"},
		{"negative TTL", func(c *Config) { c.RBAC.CacheTTL = -time.Second }, "cache TTL"},
		{"zero cache size", func(c *Config) { c.RBAC.CacheSize = 0 }, "cache size"},
		{"bad schedule", func(c *Config) { c.RBAC.SweepSchedule = "whenever" }, "invalid cache sweep schedule"},
		{"blank header", func(c *Config) { c.Auth.TrustedUserHeader = " " }, "trusted user header"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "invalid log format"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "gatekeeper"
		}, "OpenTelemetry endpoint"},
		{"otel without service name", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = "localhost:4317"
		}, "OpenTelemetry service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DSN", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

const sampleFile = `
capabilities:
  reports.export: history:export
permissions:
  - resource: history
    action: export
    description: Export execution history
roles:
  - name: Auditor
    description: Read and export history
    permissions: [history:read, history:export]
`

func TestLoadConfigWithFile(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DSN", "postgres://localhost/gatekeeper")

	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	cfg, err := LoadConfigWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)

	assert.Equal(t, map[string]rbac.PermissionKey{
		"reports.export": {Resource: "history", Action: "export"},
	}, cfg.RBAC.Capabilities)
	assert.Equal(t, []rbac.PermissionTemplate{
		{Resource: "history", Action: "export", Description: "Export execution history"},
	}, cfg.RBAC.Permissions)
	require.Len(t, cfg.RBAC.Roles, 1)
	assert.Equal(t, "Auditor", cfg.RBAC.Roles[0].Name)
	assert.Equal(t, []rbac.PermissionKey{
		{Resource: "history", Action: "read"},
		{Resource: "history", Action: "export"},
	}, cfg.RBAC.Roles[0].Permissions)
}

func TestLoadConfig_FileFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	t.Setenv("GATEKEEPER_DB_DSN", "postgres://localhost/gatekeeper")
	t.Setenv("GATEKEEPER_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.RBAC.Roles, 1)
}

func TestLoadConfigWithFile_Errors(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_DSN", "postgres://localhost/gatekeeper")
	dir := t.TempDir()

	_, err := LoadConfigWithFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "rolez: []\n", "failed to parse config file"},
		{"bad capability key", "capabilities:\n  reports.export: history\n", "invalid permission key"},
		{"permission without action", "permissions:\n  - resource: history\n", "requires resource and action"},
		{"role without name", "roles:\n  - description: nameless\n", "role requires a name"},
		{"bad role permission", "roles:\n  - name: Broken\n    permissions: [history]\n", "invalid permission key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := LoadConfigWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseFile_Empty(t *testing.T) {
	file, err := ParseFile(nil)
	require.NoError(t, err)
	assert.Empty(t, file.Roles)

	var cfg RBACConfig
	require.NoError(t, file.apply(&cfg))
	assert.Nil(t, cfg.Capabilities)
}

func TestDatabaseConfig_DataSource(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{"postgres untouched", DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/db"}, "postgres://localhost/db"},
		{"sqlite memory", DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"}, ":memory:?_foreign_keys=1"},
		{"sqlite with params", DatabaseConfig{Driver: "sqlite3", DSN: "file:gk.db?cache=shared"}, "file:gk.db?cache=shared&_foreign_keys=1"},
		{"sqlite already set", DatabaseConfig{Driver: "sqlite3", DSN: "file:gk.db?_fk=0"}, "file:gk.db?_fk=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DataSource())
		})
	}
}
