package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/conductor.db", cfg.Database.Path)
	assert.Equal(t, 90*24*time.Hour, cfg.Database.ExecutionRetention)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 50.0, cfg.API.RequestsPerSecond)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, 5, cfg.Engine.CircuitBreaker.MaxFailures)
	assert.False(t, cfg.RateLimit.Redis.Enabled)
	assert.False(t, cfg.Security.Webhooks.AllowLocalhost)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/conductor/rules.db
api:
  port: 9090
engine:
  worker_count: 2
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/conductor/rules.db", cfg.Database.Path)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 2, cfg.Engine.WorkerCount)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys keep their defaults.
	assert.Equal(t, 256, cfg.Engine.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_API_PORT", "7070")
	t.Setenv("CONDUCTOR_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"zero request rate", func(c *Config) { c.API.RequestsPerSecond = 0 }, "requests_per_second"},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }, "auth.username"},
		{"auth with short secret", func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Username: "admin", Password: "pw", JWTSecret: "short", BcryptCost: 12}
		}, "jwt_secret"},
		{"auth with weak bcrypt cost", func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Username: "admin", Password: "pw",
				JWTSecret: "0123456789abcdef0123456789abcdef", BcryptCost: 4}
		}, "bcrypt_cost"},
		{"zero workers", func(c *Config) { c.Engine.WorkerCount = 0 }, "worker_count"},
		{"zero action timeout", func(c *Config) { c.Engine.ActionTimeout = 0 }, "action_timeout"},
		{"negative breaker failures", func(c *Config) { c.Engine.CircuitBreaker.MaxFailures = -1 }, "max_failures"},
		{"zero breaker timeout", func(c *Config) { c.Engine.CircuitBreaker.Timeout = 0 }, "circuit_breaker.timeout"},
		{"zero half-open requests", func(c *Config) { c.Engine.CircuitBreaker.MaxHalfOpenRequests = 0 }, "max_half_open_requests"},
		{"redis enabled without addr", func(c *Config) {
			c.RateLimit.Redis = RedisConfig{Enabled: true}
		}, "redis.addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
