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
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// SFClientID is the Salesforce connected-app consumer key.
	SFClientID string `mapstructure:"SF_CLIENT_ID"`
	// SFClientSecret is the Salesforce connected-app consumer secret.
	SFClientSecret string `mapstructure:"SF_CLIENT_SECRET"`
	// SFLoginURL is the authorization server base URL (default https://login.salesforce.com).
	SFLoginURL string `mapstructure:"SF_LOGIN_URL"`
	// SFRedirectURI is the OAuth callback URL registered on the connected app.
	SFRedirectURI string `mapstructure:"SF_REDIRECT_URI"`
	// SFAPIVersion is the Tooling API version (e.g. "v59.0").
	SFAPIVersion string `mapstructure:"SF_API_VERSION"`

	// SessionEncryptionKey is the secret the token cipher derives its AES key from. Required.
	SessionEncryptionKey string `mapstructure:"SESSION_ENCRYPTION_KEY"`
	// SessionInactivityTimeoutMinutes is the inactivity window after which a session expires (default 120).
	SessionInactivityTimeoutMinutes int `mapstructure:"SESSION_INACTIVITY_TIMEOUT_MINUTES"`

	// PollIntervalSeconds is the delay between poll ticks of an active run (default 3).
	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`
	// PollMaxAttempts bounds the number of poll ticks per run (default 120).
	PollMaxAttempts int `mapstructure:"POLL_MAX_ATTEMPTS"`

	// FrontendURL is where the OAuth callback redirects after a successful login.
	FrontendURL string `mapstructure:"FRONTEND_URL"`

	// Progress events (optional). When Kafka brokers are set, progress events are
	// also published to Kafka for the history worker.
	// ProgressKafkaBrokers is a comma-separated list of Kafka broker addresses.
	ProgressKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// ProgressKafkaTopic is the Kafka topic for progress events (default apex-test-progress).
	ProgressKafkaTopic string `mapstructure:"PROGRESS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the progress worker to push events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the progress worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

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
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SF_CLIENT_ID", "")
	v.SetDefault("SF_CLIENT_SECRET", "")
	v.SetDefault("SF_LOGIN_URL", "https://login.salesforce.com")
	v.SetDefault("SF_REDIRECT_URI", "http://localhost:8080/api/auth/callback")
	v.SetDefault("SF_API_VERSION", "v59.0")
	v.SetDefault("SESSION_ENCRYPTION_KEY", "")
	v.SetDefault("SESSION_INACTIVITY_TIMEOUT_MINUTES", 120)
	v.SetDefault("POLL_INTERVAL_SECONDS", 3)
	v.SetDefault("POLL_MAX_ATTEMPTS", 120)
	v.SetDefault("FRONTEND_URL", "http://localhost:5173")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("PROGRESS_KAFKA_TOPIC", "apex-test-progress")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "apex-progress-worker")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.SessionEncryptionKey == "" {
		return nil, errors.New("config: SESSION_ENCRYPTION_KEY must be set")
	}
	if cfg.SessionInactivityTimeoutMinutes <= 0 {
		return nil, errors.New("config: SESSION_INACTIVITY_TIMEOUT_MINUTES must be positive")
	}
	if cfg.PollMaxAttempts <= 0 {
		return nil, errors.New("config: POLL_MAX_ATTEMPTS must be positive")
	}

	return &cfg, nil
}

// InactivityTimeout returns the session inactivity window as a duration.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.SessionInactivityTimeoutMinutes) * time.Minute
}

// PollInterval returns the poll tick delay. Returns 3s if unset or invalid.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ProgressKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka publishing is enabled (non-empty list) and to create the publisher.
func (c *Config) ProgressKafkaBrokersList() []string {
	if c == nil || c.ProgressKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.ProgressKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
