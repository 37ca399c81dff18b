// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN for the session control ledger and access history.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the Redis URL for the session cache store and rate limiter (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisTimeout bounds Redis dial, read and write (e.g. "2s").
	RedisTimeout string `mapstructure:"REDIS_TIMEOUT"`
	// DBTimeout bounds each Postgres statement (e.g. "5s").
	DBTimeout string `mapstructure:"DB_TIMEOUT"`

	// SessionTTLMinutes is the live session lifetime in the cache store.
	SessionTTLMinutes int `mapstructure:"SESSION_TTL_MINUTES"`
	// SessionCleanupInterval is how often the reconciler sweeps stale active ledger rows (e.g. "5m").
	SessionCleanupInterval string `mapstructure:"SESSION_CLEANUP_INTERVAL"`

	// RateLimitIPPerWindow is the max requests per client IP per window.
	RateLimitIPPerWindow int64 `mapstructure:"RATE_LIMIT_IP_PER_WINDOW"`
	// RateLimitUAPerWindow is the max requests per user-agent per window.
	RateLimitUAPerWindow int64 `mapstructure:"RATE_LIMIT_UA_PER_WINDOW"`
	// RateLimitWindow is the tumbling window length (e.g. "1m").
	RateLimitWindow string `mapstructure:"RATE_LIMIT_WINDOW"`

	// JWTFallbackSecret is the static signing key used when neither the secret store nor the credential service answers.
	JWTFallbackSecret string `mapstructure:"JWT_FALLBACK_SECRET"`
	// AWSRegion is the region for Secrets Manager. Empty disables the secret store tier.
	AWSRegion string `mapstructure:"AWS_REGION"`
	// AWSJWTSecretName is the Secrets Manager secret id holding {"signingKey": "..."}.
	AWSJWTSecretName string `mapstructure:"AWS_JWT_SECRET_NAME"`
	// CredentialServiceURL is the base URL of the sibling credential service. Empty disables that tier.
	CredentialServiceURL string `mapstructure:"CREDENTIAL_SERVICE_URL"`
	// AdminJWTSecret verifies the operator tokens (role session-admin) required on the listing,
	// signing key digest and relationship policy routes. Empty disables those routes.
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	// SigningKeyCacheTTL is how long a resolved upstream signing key is reused (e.g. "5m").
	SigningKeyCacheTTL string `mapstructure:"SIGNING_KEY_CACHE_TTL"`

	// UserManagementURL is the base URL of the user profile service.
	UserManagementURL string `mapstructure:"USER_MANAGEMENT_URL"`
	// PermissionURL is the base URL of the FIDC permission service.
	PermissionURL string `mapstructure:"PERMISSION_URL"`
	// ExternalConnectTimeout bounds dialing the external services.
	ExternalConnectTimeout string `mapstructure:"EXTERNAL_CONNECT_TIMEOUT"`
	// ExternalReadTimeout bounds a whole external request.
	ExternalReadTimeout string `mapstructure:"EXTERNAL_READ_TIMEOUT"`
	// ExternalRetryAttempts is the total number of tries for a retryable external failure.
	ExternalRetryAttempts int `mapstructure:"EXTERNAL_RETRY_ATTEMPTS"`
	// ExternalRetryInitial is the first backoff interval.
	ExternalRetryInitial string `mapstructure:"EXTERNAL_RETRY_INITIAL"`
	// ExternalRetryMax caps the backoff interval.
	ExternalRetryMax string `mapstructure:"EXTERNAL_RETRY_MAX"`

	// AllowLocalhost accepts loopback client IPs (local development only).
	AllowLocalhost bool `mapstructure:"ALLOW_LOCALHOST"`
	// CORSAllowedOrigins is a comma-separated list of allowed origins.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTelEndpoint is the OTLP gRPC collector endpoint. Empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	// OTelServiceVersion is the service.version resource attribute.
	OTelServiceVersion string `mapstructure:"OTEL_SERVICE_VERSION"`
	// OTelSampleRatio is the fraction of new root traces sampled, in [0, 1].
	OTelSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_RATIO"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, session events go to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SessionEventsTopic is the Kafka topic for session lifecycle events.
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the events worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// Worker-only: Loki URL for the events worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or text.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_TIMEOUT", "2s")
	v.SetDefault("DB_TIMEOUT", "5s")
	v.SetDefault("SESSION_TTL_MINUTES", 30)
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "5m")
	v.SetDefault("RATE_LIMIT_IP_PER_WINDOW", 20)
	v.SetDefault("RATE_LIMIT_UA_PER_WINDOW", 40)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("JWT_FALLBACK_SECRET", "")
	v.SetDefault("AWS_REGION", "")
	v.SetDefault("AWS_JWT_SECRET_NAME", "")
	v.SetDefault("CREDENTIAL_SERVICE_URL", "")
	v.SetDefault("ADMIN_JWT_SECRET", "")
	v.SetDefault("SIGNING_KEY_CACHE_TTL", "5m")
	v.SetDefault("USER_MANAGEMENT_URL", "")
	v.SetDefault("PERMISSION_URL", "")
	v.SetDefault("EXTERNAL_CONNECT_TIMEOUT", "2s")
	v.SetDefault("EXTERNAL_READ_TIMEOUT", "5s")
	v.SetDefault("EXTERNAL_RETRY_ATTEMPTS", 3)
	v.SetDefault("EXTERNAL_RETRY_INITIAL", "100ms")
	v.SetDefault("EXTERNAL_RETRY_MAX", "1s")
	v.SetDefault("ALLOW_LOCALHOST", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "fidc-session-auth")
	v.SetDefault("OTEL_SERVICE_VERSION", "")
	v.SetDefault("OTEL_TRACES_SAMPLER_RATIO", 1.0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_TOPIC", "fidc-session-events")
	v.SetDefault("KAFKA_GROUP_ID", "fidc-session-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTFallbackSecret == "" {
		return nil, errors.New("config: JWT_FALLBACK_SECRET must be set")
	}
	if cfg.SessionTTLMinutes <= 0 {
		return nil, errors.New("config: SESSION_TTL_MINUTES must be positive")
	}
	if cfg.RateLimitIPPerWindow <= 0 || cfg.RateLimitUAPerWindow <= 0 {
		return nil, errors.New("config: RATE_LIMIT_IP_PER_WINDOW and RATE_LIMIT_UA_PER_WINDOW must be positive")
	}
	if cfg.AWSRegion != "" && cfg.AWSJWTSecretName == "" {
		return nil, errors.New("config: AWS_JWT_SECRET_NAME must be set when AWS_REGION is set")
	}
	if cfg.AllowLocalhost && cfg.Env == "production" {
		return nil, errors.New("config: ALLOW_LOCALHOST must not be true when APP_ENV=production")
	}
	if cfg.AdminJWTSecret != "" && cfg.AdminJWTSecret == cfg.JWTFallbackSecret {
		return nil, errors.New("config: ADMIN_JWT_SECRET must differ from JWT_FALLBACK_SECRET")
	}
	if cfg.OTelSampleRatio < 0 || cfg.OTelSampleRatio > 1 {
		return nil, errors.New("config: OTEL_TRACES_SAMPLER_RATIO must be between 0 and 1")
	}
	if cfg.ExternalRetryAttempts < 1 {
		cfg.ExternalRetryAttempts = 1
	}

	return &cfg, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SessionTTL returns SessionTTLMinutes as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// CleanupInterval parses SessionCleanupInterval. Returns 5m if unset or invalid.
func (c *Config) CleanupInterval() time.Duration {
	return parseDuration(c.SessionCleanupInterval, 5*time.Minute)
}

// RateWindow parses RateLimitWindow. Returns 1m if unset or invalid.
func (c *Config) RateWindow() time.Duration {
	return parseDuration(c.RateLimitWindow, time.Minute)
}

// RedisTimeoutDuration parses RedisTimeout. Returns 2s if unset or invalid.
func (c *Config) RedisTimeoutDuration() time.Duration {
	return parseDuration(c.RedisTimeout, 2*time.Second)
}

// DBTimeoutDuration parses DBTimeout. Returns 5s if unset or invalid.
func (c *Config) DBTimeoutDuration() time.Duration {
	return parseDuration(c.DBTimeout, 5*time.Second)
}

// SigningKeyTTL parses SigningKeyCacheTTL. Returns 5m if unset or invalid.
func (c *Config) SigningKeyTTL() time.Duration {
	return parseDuration(c.SigningKeyCacheTTL, 5*time.Minute)
}

// ConnectTimeout parses ExternalConnectTimeout. Returns 2s if unset or invalid.
func (c *Config) ConnectTimeout() time.Duration {
	return parseDuration(c.ExternalConnectTimeout, 2*time.Second)
}

// ReadTimeout parses ExternalReadTimeout. Returns 5s if unset or invalid.
func (c *Config) ReadTimeout() time.Duration {
	return parseDuration(c.ExternalReadTimeout, 5*time.Second)
}

// RetryInitial parses ExternalRetryInitial. Returns 100ms if unset or invalid.
func (c *Config) RetryInitial() time.Duration {
	return parseDuration(c.ExternalRetryInitial, 100*time.Millisecond)
}

// RetryMax parses ExternalRetryMax. Returns 1s if unset or invalid.
func (c *Config) RetryMax() time.Duration {
	return parseDuration(c.ExternalRetryMax, time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event streaming is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
