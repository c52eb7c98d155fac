// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete service configuration.
type Config struct {
	Server       ServerConfig
	Provider     ProviderConfig
	Subscription SubscriptionConfig
	Queue        QueueConfig
	Webhook      WebhookConfig
	FullSync     FullSyncConfig
	Hashing      HashingConfig
	Logging      LoggingConfig
}

// ServerConfig configures the HTTP server and storage location.
type ServerConfig struct {
	Addr    string
	DataDir string

	// DatabaseURL selects postgres when it starts with postgres:// or postgresql://.
	// When empty, a sqlite file under DataDir is used.
	DatabaseURL string
}

// ProviderConfig configures access to the external calendar API.
type ProviderConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OAuth client settings used to refresh stored account tokens.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// StaticToken replaces stored account tokens for every account. Development only.
	StaticToken string
}

// SubscriptionConfig configures webhook subscription lifecycle.
type SubscriptionConfig struct {
	NotificationURL string
	Lifetime        time.Duration
	RenewalLead     time.Duration
	MaxFailures     int
	RenewalSchedule string
	HealthSchedule  string
}

// QueueConfig configures the sync queue and its workers.
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// WebhookConfig configures notification ingress.
type WebhookConfig struct {
	DedupWindow  time.Duration
	MaxBodyBytes int64
}

// FullSyncConfig configures the bulk reconciliation window.
type FullSyncConfig struct {
	Past     time.Duration
	Future   time.Duration
	Schedule string
}

// HashingConfig configures canonical event hashing.
type HashingConfig struct {
	IncludeAttendees bool
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, loading a .env file first if one exists.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:        getEnv("ADDR", ":8099"),
			DataDir:     getEnv("DATA_DIR", "/data"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Provider: ProviderConfig{
			BaseURL:      getEnv("PROVIDER_BASE_URL", "https://graph.microsoft.com/v1.0"),
			MaxRetries:   getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
			ClientID:     getEnv("PROVIDER_CLIENT_ID", ""),
			ClientSecret: getEnv("PROVIDER_CLIENT_SECRET", ""),
			TokenURL:     getEnv("PROVIDER_TOKEN_URL", "https://login.microsoftonline.com/common/oauth2/v2.0/token"),
			Scopes:       splitList(getEnv("PROVIDER_SCOPES", "Calendars.ReadWrite offline_access")),
			StaticToken:  getEnv("PROVIDER_STATIC_TOKEN", ""),
		},
		Subscription: SubscriptionConfig{
			NotificationURL: getEnv("NOTIFICATION_URL", ""),
			MaxFailures:     getEnvAsInt("SUBSCRIPTION_MAX_FAILURES", 3),
			RenewalSchedule: getEnv("RENEWAL_SCHEDULE", "@every 5m"),
			HealthSchedule:  getEnv("HEALTH_SCHEDULE", "@every 15m"),
		},
		Queue: QueueConfig{
			Workers:     getEnvAsInt("QUEUE_WORKERS", 4),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
		},
		FullSync: FullSyncConfig{
			Schedule: getEnv("FULLSYNC_SCHEDULE", "@every 30m"),
		},
		Hashing: HashingConfig{
			IncludeAttendees: getEnvAsBool("HASH_INCLUDE_ATTENDEES", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	var err error
	durations := []struct {
		key    string
		def    string
		target *time.Duration
	}{
		{"PROVIDER_TIMEOUT", "20s", &cfg.Provider.Timeout},
		{"PROVIDER_BASE_DELAY", "200ms", &cfg.Provider.BaseDelay},
		{"PROVIDER_MAX_DELAY", "30s", &cfg.Provider.MaxDelay},
		{"SUBSCRIPTION_LIFETIME", "72h", &cfg.Subscription.Lifetime},
		{"SUBSCRIPTION_RENEWAL_LEAD", "12h", &cfg.Subscription.RenewalLead},
		{"QUEUE_BASE_DELAY", "2s", &cfg.Queue.BaseDelay},
		{"QUEUE_MAX_DELAY", "10m", &cfg.Queue.MaxDelay},
		{"SYNC_CALL_TIMEOUT", "30s", &cfg.Queue.CallTimeout},
		{"WEBHOOK_DEDUP_WINDOW", "2m", &cfg.Webhook.DedupWindow},
		{"FULLSYNC_PAST", "720h", &cfg.FullSync.Past},
		{"FULLSYNC_FUTURE", "8760h", &cfg.FullSync.Future},
	}
	for _, d := range durations {
		if *d.target, err = getEnvAsDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.Queue.Multiplier, err = strconv.ParseFloat(getEnv("QUEUE_MULTIPLIER", "2"), 64); err != nil {
		return nil, fmt.Errorf("invalid QUEUE_MULTIPLIER: %w", err)
	}
	cfg.Webhook.MaxBodyBytes = int64(getEnvAsInt("WEBHOOK_MAX_BODY", 1<<20))

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.Multiplier < 1 {
		return fmt.Errorf("QUEUE_MULTIPLIER must be at least 1, got %v", c.Queue.Multiplier)
	}
	if c.Subscription.RenewalLead >= c.Subscription.Lifetime {
		return fmt.Errorf("SUBSCRIPTION_RENEWAL_LEAD (%s) must be shorter than SUBSCRIPTION_LIFETIME (%s)",
			c.Subscription.RenewalLead, c.Subscription.Lifetime)
	}
	if c.Subscription.MaxFailures < 1 {
		return fmt.Errorf("SUBSCRIPTION_MAX_FAILURES must be at least 1, got %d", c.Subscription.MaxFailures)
	}
	if !c.Server.IsPostgres() && c.Server.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required without a postgres DATABASE_URL")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	return nil
}

// IsPostgres reports whether the configured database is postgres.
func (c ServerConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// getEnv returns an environment variable value or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, part)
	}
	return out
}
