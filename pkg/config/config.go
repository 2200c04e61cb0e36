// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plazahq/plaza/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (optional, decision cache)
	Redis RedisConfig

	// Environment holds trust/permissiveness settings shared by the
	// signature verifier, context resolver and access client
	Environment Environment

	// Session token issuance settings
	Session SessionConfig

	// OIDC provider settings
	OIDC OIDCConfig

	// Observability configuration
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

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds the optional redis decision-cache configuration
type RedisConfig struct {
	URL string
}

// Environment is the single place that decides how permissive request
// authentication is. It is resolved once at startup and injected into the
// signature verifier, the context resolver and the access decision client;
// no other code consults environment variables for trust decisions.
//
// DevAuthMode must never be enabled in production. Every bypass it enables
// increments the plaza_dev_mode_bypass_total metric so a production sighting
// can be alerted on rather than silently succeed.
type Environment struct {
	// DevAuthMode enables local-development escape hatches: synthesized
	// request ids, default tenant headers, tolerant tenant-id parsing.
	DevAuthMode bool

	// InternalSecret is the shared HMAC secret for internal calls.
	// Empty means internal calls fail with SERVER_ERROR, never pass.
	InternalSecret string

	// AccessServiceURL is the base URL of the central access service.
	AccessServiceURL string

	// AllowAllWithoutAccessService permits permission checks to pass when
	// no access-service URL is configured. Defaults to DevAuthMode.
	AllowAllWithoutAccessService bool

	// DefaultTenantID / DefaultTenantSlug are substituted for missing
	// tenant headers in dev mode only.
	DefaultTenantID   string
	DefaultTenantSlug string

	// ServiceName identifies this service in permission keys and logs.
	ServiceName string
}

// SessionConfig holds session/bearer token issuance settings
type SessionConfig struct {
	// SigningSecret signs short-lived access JWTs (HS256)
	SigningSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SessionTTL    time.Duration
}

// OIDCConfig holds OIDC provider settings
type OIDCConfig struct {
	Issuer          string
	SigningKeyPEM   string // PKCS#1/PKCS#8 RSA private key, PEM encoded
	SigningKeyID    string
	AuthRequestTTL  time.Duration
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         RedisConfig{URL: getEnv("PLAZA_REDIS_URL", "")},
		Environment:   loadEnvironment(),
		Session:       loadSessionConfig(),
		OIDC:          loadOIDCConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLAZA_HOST", "0.0.0.0"),
		Port:            getEnv("PLAZA_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLAZA_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLAZA_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PLAZA_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLAZA_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PLAZA_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("PLAZA_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("PLAZA_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("PLAZA_POSTGRES_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("PLAZA_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadEnvironment() Environment {
	devMode := getEnvBool("PLAZA_DEV_AUTH_MODE", false)
	return Environment{
		DevAuthMode:                  devMode,
		InternalSecret:               getEnv("PLAZA_INTERNAL_SECRET", ""),
		AccessServiceURL:             getEnv("PLAZA_ACCESS_SERVICE_URL", ""),
		AllowAllWithoutAccessService: getEnvBool("PLAZA_ALLOW_ALL_WITHOUT_ACCESS", devMode),
		DefaultTenantID:              getEnv("PLAZA_DEV_DEFAULT_TENANT_ID", "00000000-0000-0000-0000-000000000001"),
		DefaultTenantSlug:            getEnv("PLAZA_DEV_DEFAULT_TENANT_SLUG", "dev"),
		ServiceName:                  getEnv("PLAZA_SERVICE_NAME", "access"),
	}
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		SigningSecret: getEnv("PLAZA_SESSION_SIGNING_SECRET", ""),
		AccessTTL:     getEnvDuration("PLAZA_SESSION_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:    getEnvDuration("PLAZA_SESSION_REFRESH_TTL", 30*24*time.Hour),
		SessionTTL:    getEnvDuration("PLAZA_SESSION_TTL", 14*24*time.Hour),
	}
}

func loadOIDCConfig() OIDCConfig {
	return OIDCConfig{
		Issuer:          getEnv("PLAZA_OIDC_ISSUER", "http://localhost:8080"),
		SigningKeyPEM:   getEnv("PLAZA_OIDC_SIGNING_KEY", ""),
		SigningKeyID:    getEnv("PLAZA_OIDC_SIGNING_KEY_ID", "plaza-1"),
		AuthRequestTTL:  getEnvDuration("PLAZA_OIDC_AUTH_REQUEST_TTL", 10*time.Minute),
		CodeTTL:         getEnvDuration("PLAZA_OIDC_CODE_TTL", 60*time.Second),
		AccessTokenTTL:  getEnvDuration("PLAZA_OIDC_ACCESS_TTL", time.Hour),
		RefreshTokenTTL: getEnvDuration("PLAZA_OIDC_REFRESH_TTL", 30*24*time.Hour),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PLAZA_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PLAZA_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLAZA_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLAZA_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLAZA_OTEL_SERVICE_NAME", "plaza"),
		OTelServiceVersion: getEnv("PLAZA_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("PLAZA_OTEL_INSECURE", true),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port must not be empty")
	}
	if !c.Environment.DevAuthMode && c.Environment.InternalSecret == "" {
		return fmt.Errorf("PLAZA_INTERNAL_SECRET is required outside dev auth mode")
	}
	if !c.Environment.DevAuthMode && c.Environment.AllowAllWithoutAccessService {
		return fmt.Errorf("PLAZA_ALLOW_ALL_WITHOUT_ACCESS must not be set outside dev auth mode")
	}
	if c.Session.SigningSecret == "" && !c.Environment.DevAuthMode {
		return fmt.Errorf("PLAZA_SESSION_SIGNING_SECRET is required outside dev auth mode")
	}
	return nil
}

func parseLogLevel(s string) observability.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns the environment variable value or a default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as a duration or a default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
