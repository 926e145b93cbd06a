package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nimbuscrm/identity/pkg/authstate"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/secrets"
	"github.com/nimbuscrm/identity/pkg/sso"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	SSO           SSOConfig
	MFA           MFAConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional Redis state store settings. When URL
// is empty the pending login state lives in PostgreSQL instead.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// SSOConfig tunes the federated login flows
type SSOConfig struct {
	IdPTimeout    time.Duration
	StateTTL      time.Duration
	SweepInterval time.Duration
}

// MFAConfig tunes second-factor verification
type MFAConfig struct {
	Issuer          string
	WindowSteps     int
	MaxAttempts     int
	LockoutDuration time.Duration
	BackupCodeCount int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("IDENTITY_HOST", "0.0.0.0"),
			Port:            getEnv("IDENTITY_PORT", "8080"),
			ReadTimeout:     getEnvDuration("IDENTITY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("IDENTITY_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("IDENTITY_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("IDENTITY_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("IDENTITY_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("IDENTITY_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("IDENTITY_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("IDENTITY_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("IDENTITY_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("IDENTITY_REDIS_URL", ""),
			Password: getEnv("IDENTITY_REDIS_PASSWORD", ""),
			DB:       getEnvInt("IDENTITY_REDIS_DB", 0),
		},
		SSO: SSOConfig{
			IdPTimeout:    getEnvDuration("IDENTITY_IDP_TIMEOUT", sso.DefaultIdPTimeout),
			StateTTL:      getEnvDuration("IDENTITY_STATE_TTL", authstate.DefaultTTL),
			SweepInterval: getEnvDuration("IDENTITY_STATE_SWEEP_INTERVAL", time.Minute),
		},
		MFA: MFAConfig{
			Issuer:          getEnv("IDENTITY_MFA_ISSUER", "NimbusCRM"),
			WindowSteps:     getEnvInt("IDENTITY_MFA_WINDOW_STEPS", mfa.DefaultWindowSteps),
			MaxAttempts:     getEnvInt("IDENTITY_MFA_MAX_ATTEMPTS", mfa.DefaultMaxAttempts),
			LockoutDuration: getEnvDuration("IDENTITY_MFA_LOCKOUT_DURATION", mfa.DefaultLockoutDuration),
			BackupCodeCount: getEnvInt("IDENTITY_MFA_BACKUP_CODES", mfa.DefaultBackupCodeCount),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("IDENTITY_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("IDENTITY_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("IDENTITY_POSTGRES_URL is required")
	}

	// The key material is validated when the box is built; here only
	// its presence, so the failure happens at startup and not on the
	// first encrypt.
	if strings.TrimSpace(os.Getenv(secrets.EnvMasterKey)) == "" {
		return fmt.Errorf("%s is required", secrets.EnvMasterKey)
	}

	if c.SSO.IdPTimeout <= 0 {
		return fmt.Errorf("idp timeout must be positive")
	}
	if c.SSO.StateTTL <= 0 {
		return fmt.Errorf("state ttl must be positive")
	}

	if c.MFA.WindowSteps < 0 {
		return fmt.Errorf("mfa window steps must not be negative")
	}
	if c.MFA.MaxAttempts < 1 {
		return fmt.Errorf("mfa max attempts must be at least 1")
	}
	if c.MFA.LockoutDuration <= 0 {
		return fmt.Errorf("mfa lockout duration must be positive")
	}
	if c.MFA.BackupCodeCount < 1 {
		return fmt.Errorf("mfa backup code count must be at least 1")
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
