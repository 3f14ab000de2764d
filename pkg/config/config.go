package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	SSO           SSOConfig
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

// SSOConfig holds federation-wide settings that are not per organization
type SSOConfig struct {
	// BaseURL is the public origin of this service, used to build ACS and
	// redirect URLs
	BaseURL string
	// SecureCookies requires HTTPS for the session cookie
	SecureCookies bool
	// StateTTL bounds a login attempt between request and callback
	StateTTL time.Duration
	// CertGracePeriod is how long a demoted certificate stays valid
	CertGracePeriod time.Duration
	// CleanupInterval schedules expired session and state sweeps
	CleanupInterval time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		SSO:           loadSSOConfig(),
		Observability: loadObservabilityConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("GATEHOUSE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	cfg.PostgresReplicaURLs = splitList(getEnv("GATEHOUSE_POSTGRES_REPLICA_URLS", ""))
	if maxConns := getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("GATEHOUSE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("GATEHOUSE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("GATEHOUSE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("GATEHOUSE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("GATEHOUSE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	return cfg
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		BaseURL:         getEnv("GATEHOUSE_BASE_URL", "http://localhost:8080"),
		SecureCookies:   getEnvBool("GATEHOUSE_SECURE_COOKIES", true),
		StateTTL:        getEnvDuration("GATEHOUSE_STATE_TTL", 5*time.Minute),
		CertGracePeriod: getEnvDuration("GATEHOUSE_CERT_GRACE_PERIOD", 30*24*time.Hour),
		CleanupInterval: getEnvDuration("GATEHOUSE_CLEANUP_INTERVAL", 5*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
		OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
	}
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

	if c.SSO.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if u, err := url.Parse(c.SSO.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL %q is not a valid absolute URL", c.SSO.BaseURL)
	}
	if c.SSO.StateTTL <= 0 {
		return fmt.Errorf("state TTL must be positive")
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

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
