package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig holds the endpoints and limits for one fitness provider.
type ProviderConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	TokenURL       string `mapstructure:"token_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	MaxWindowDays  int    `mapstructure:"max_window_days"`
	LookbackMonths int    `mapstructure:"lookback_months"`
}

// Config holds all configuration for the sync engine.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisDB     int    `mapstructure:"REDIS_DB"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	// Dispatch settings. QueuePath namespaces every delivery key so several
	// deployments can share one Redis.
	QueuePath             string `mapstructure:"QUEUE_PATH"`
	WorkerURL             string `mapstructure:"WORKER_URL"`
	DispatchMaxAttempts   int    `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	DispatchMinBackoffMin int    `mapstructure:"DISPATCH_MIN_BACKOFF_MIN"`
	DispatchMaxBackoffMin int    `mapstructure:"DISPATCH_MAX_BACKOFF_MIN"`

	// Retry policy.
	MaxRetryCount     int `mapstructure:"MAX_RETRY_COUNT"`
	DeadLetterTTLDays int `mapstructure:"DEAD_LETTER_TTL_DAYS"`

	// Token refresh safety buffer in seconds: stored expiry is moved this
	// far ahead of the provider's, so tokens read as expired early.
	TokenExpiryBufferSec int `mapstructure:"TOKEN_EXPIRY_BUFFER_SEC"`

	// Drainer.
	DrainPageSize    int `mapstructure:"DRAIN_PAGE_SIZE"`
	DrainIntervalMin int `mapstructure:"DRAIN_INTERVAL_MIN"`

	// History import cooldown: seconds of cooldown earned per item imported
	// by the previous run, capped at the max.
	ImportCooldownSecPerItem int `mapstructure:"IMPORT_COOLDOWN_SEC_PER_ITEM"`
	ImportCooldownMaxHours   int `mapstructure:"IMPORT_COOLDOWN_MAX_HOURS"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

func (c *Config) MinBackoff() time.Duration {
	return time.Duration(c.DispatchMinBackoffMin) * time.Minute
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.DispatchMaxBackoffMin) * time.Minute
}

func (c *Config) DeadLetterTTL() time.Duration {
	return time.Duration(c.DeadLetterTTLDays) * 24 * time.Hour
}

func (c *Config) TokenExpiryBuffer() time.Duration {
	return time.Duration(c.TokenExpiryBufferSec) * time.Second
}

func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalMin) * time.Minute
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fitsync/")
	v.AddConfigPath("$HOME/.fitsync")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/fitsync_dev")
	v.SetDefault("MONGO_DB_NAME", "fitsync_dev")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)

	v.SetDefault("QUEUE_PATH", "fitsync-queue")
	v.SetDefault("WORKER_URL", "http://localhost:8080/internal/tasks/deliver")
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 10)
	v.SetDefault("DISPATCH_MIN_BACKOFF_MIN", 15)
	v.SetDefault("DISPATCH_MAX_BACKOFF_MIN", 240)

	v.SetDefault("MAX_RETRY_COUNT", 10)
	v.SetDefault("DEAD_LETTER_TTL_DAYS", 14)
	v.SetDefault("TOKEN_EXPIRY_BUFFER_SEC", 600)

	v.SetDefault("DRAIN_PAGE_SIZE", 100)
	v.SetDefault("DRAIN_INTERVAL_MIN", 30)

	v.SetDefault("IMPORT_COOLDOWN_SEC_PER_ITEM", 60)
	v.SetDefault("IMPORT_COOLDOWN_MAX_HOURS", 24)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		// Anything else (malformed file, permissions) is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
