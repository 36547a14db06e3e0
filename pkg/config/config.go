package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
)

// minJWTSecretLength is the HS256 key size floor.
const minJWTSecretLength = 32

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      postgres.ConnectionConfig
	Redis         postgres.RedisConfig
	Auth          AuthConfig
	SSO           SSOConfig
	RBAC          RBACConfig
	RateLimit     RateLimitConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	PublicURL       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AuthConfig controls session issuance
type AuthConfig struct {
	JWTSecret       string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	DefaultRole     string
}

// SSOConfig controls the federated login handshake
type SSOConfig struct {
	HandshakeTTL       time.Duration
	ProviderTimeout    time.Duration
	DiscoveryCacheSize int
	DiscoveryCacheTTL  time.Duration
	SessionCookieName  string
	SecureCookies      bool
}

// RBACConfig controls the permission engine
type RBACConfig struct {
	RolesFile    string
	WatchRoles   bool
	CacheEnabled bool
}

// RateLimitConfig bounds login and callback traffic per client
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
}

// MaintenanceConfig schedules background purges (robfig/cron spec strings)
type MaintenanceConfig struct {
	HandshakePurgeSchedule    string
	RefreshTokenPurgeSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           observability.LogLevel
	MetricsEnabled     bool
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		SSO:           loadSSOConfig(),
		RBAC:          loadRBACConfig(),
		RateLimit:     loadRateLimitConfig(),
		Maintenance:   loadMaintenanceConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("WARDEN_PORT", "8080"),
		PublicURL:       strings.TrimRight(getEnv("WARDEN_PUBLIC_URL", "http://localhost:8080"), "/"),
		ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
		AllowedOrigins:  getEnvList("WARDEN_ALLOWED_ORIGINS"),
		HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() postgres.ConnectionConfig {
	cfg := postgres.DefaultConnectionConfig(getEnv("WARDEN_POSTGRES_URL", ""))
	if maxConns := getEnvInt("WARDEN_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("WARDEN_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("WARDEN_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg
}

func loadRedisConfig() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        getEnv("WARDEN_REDIS_URL", ""),
		Password:   getEnv("WARDEN_REDIS_PASSWORD", ""),
		DB:         getEnvInt("WARDEN_REDIS_DB", 0),
		MaxRetries: getEnvInt("WARDEN_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("WARDEN_REDIS_POOL_SIZE", 10),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:       getEnv("WARDEN_JWT_SECRET", ""),
		Issuer:          getEnv("WARDEN_JWT_ISSUER", "warden"),
		AccessTokenTTL:  getEnvDuration("WARDEN_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("WARDEN_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		DefaultRole:     getEnv("WARDEN_DEFAULT_ROLE", "user"),
	}
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		HandshakeTTL:       getEnvDuration("WARDEN_HANDSHAKE_TTL", 10*time.Minute),
		ProviderTimeout:    getEnvDuration("WARDEN_PROVIDER_TIMEOUT", 10*time.Second),
		DiscoveryCacheSize: getEnvInt("WARDEN_DISCOVERY_CACHE_SIZE", 128),
		DiscoveryCacheTTL:  getEnvDuration("WARDEN_DISCOVERY_CACHE_TTL", time.Hour),
		SessionCookieName:  getEnv("WARDEN_SESSION_COOKIE", "warden_sso_session"),
		SecureCookies:      getEnvBool("WARDEN_SECURE_COOKIES", true),
	}
}

func loadRBACConfig() RBACConfig {
	return RBACConfig{
		RolesFile:    getEnv("WARDEN_ROLES_FILE", ""),
		WatchRoles:   getEnvBool("WARDEN_WATCH_ROLES", true),
		CacheEnabled: getEnvBool("WARDEN_PERMISSION_CACHE", true),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("WARDEN_RATE_LIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("WARDEN_RATE_LIMIT_REQUESTS", 30),
		Window:            getEnvDuration("WARDEN_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		HandshakePurgeSchedule:    getEnv("WARDEN_HANDSHAKE_PURGE_SCHEDULE", "@every 1m"),
		RefreshTokenPurgeSchedule: getEnv("WARDEN_REFRESH_PURGE_SCHEDULE", "@hourly"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("WARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("WARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("WARDEN_OTEL_SERVICE_NAME", "warden"),
		OTelServiceVersion: getEnv("WARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("WARDEN_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("WARDEN_OTEL_SAMPLE_RATIO", 1.0),
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
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", minJWTSecretLength)
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL must exceed a positive access token TTL")
	}
	if c.Auth.DefaultRole == "" {
		return fmt.Errorf("default role is required")
	}
	if c.SSO.HandshakeTTL <= 0 {
		return fmt.Errorf("handshake TTL must be positive")
	}
	if c.SSO.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requires a positive request count and window")
	}
	for name, spec := range map[string]string{
		"handshake purge":     c.Maintenance.HandshakePurgeSchedule,
		"refresh token purge": c.Maintenance.RefreshTokenPurgeSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
