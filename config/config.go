// Package config loads the service configuration from a YAML file and
// environment variables via viper. Environment variables use the CONDUCTOR_
// prefix with underscores for nesting (CONDUCTOR_API_PORT).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// ExecutionRetention bounds how long terminal executions are kept.
	// Zero disables the retention sweep.
	ExecutionRetention time.Duration `mapstructure:"execution_retention"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RequestsPerSecond and Burst bound per-client request rates.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	// BcryptCost is used when hashing the configured password at startup.
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// EngineConfig tunes the rule pipeline.
type EngineConfig struct {
	WorkerCount   int           `mapstructure:"worker_count"`
	QueueSize     int           `mapstructure:"queue_size"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	RuleCacheSize int           `mapstructure:"rule_cache_size"`
	RuleCacheTTL  time.Duration `mapstructure:"rule_cache_ttl"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig tunes per-endpoint webhook circuit breakers.
type CircuitBreakerConfig struct {
	MaxFailures         int           `mapstructure:"max_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxHalfOpenRequests int           `mapstructure:"max_half_open_requests"`
}

// RateLimitConfig selects the counter store for daily execution caps.
type RateLimitConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables the shared Redis counter store for multi-node
// deployments. Disabled means in-memory counters.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SMTPConfig configures the email sender. An empty host disables email
// actions.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// SecurityConfig holds webhook SSRF policy.
type SecurityConfig struct {
	Webhooks WebhookSecurityConfig `mapstructure:"webhooks"`
}

// WebhookSecurityConfig controls where outbound webhooks may go.
type WebhookSecurityConfig struct {
	AllowLocalhost  bool          `mapstructure:"allow_localhost"`
	AllowPrivateIPs bool          `mapstructure:"allow_private_ips"`
	Allowlist       []string      `mapstructure:"allowlist"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/conductor.db")
	v.SetDefault("database.execution_retention", 90*24*time.Hour)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.requests_per_second", 50.0)
	v.SetDefault("api.burst", 100)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_expiry", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("engine.worker_count", 8)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.action_timeout", 30*time.Second)
	v.SetDefault("engine.rule_cache_size", 256)
	v.SetDefault("engine.rule_cache_ttl", 30*time.Second)
	v.SetDefault("engine.circuit_breaker.max_failures", 5)
	v.SetDefault("engine.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("engine.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("rate_limit.redis.enabled", false)
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.db", 0)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_tls", true)

	v.SetDefault("security.webhooks.allow_localhost", false)
	v.SetDefault("security.webhooks.allow_private_ips", false)
	v.SetDefault("security.webhooks.timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file (optional) and the
// environment, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.requests_per_second must be positive")
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth.username and auth.password are required when auth is enabled")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
			return fmt.Errorf("auth.bcrypt_cost must be between 10 and 31")
		}
	}
	if c.Engine.WorkerCount <= 0 {
		return fmt.Errorf("engine.worker_count must be positive")
	}
	if c.Engine.ActionTimeout <= 0 {
		return fmt.Errorf("engine.action_timeout must be positive")
	}
	if c.Engine.CircuitBreaker.MaxFailures <= 0 {
		return fmt.Errorf("engine.circuit_breaker.max_failures must be positive")
	}
	if c.Engine.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("engine.circuit_breaker.timeout must be positive")
	}
	if c.Engine.CircuitBreaker.MaxHalfOpenRequests <= 0 {
		return fmt.Errorf("engine.circuit_breaker.max_half_open_requests must be positive")
	}
	if c.RateLimit.Redis.Enabled && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when redis is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
