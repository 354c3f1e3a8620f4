package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Wire      WireConfig      `mapstructure:"wire"`
	API       APIConfig       `mapstructure:"api"`
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

// WireConfig holds the persistent tracking connection configuration
type WireConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeoutEnabled   bool          `mapstructure:"pong_timeout_enabled"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	OutboxLimit          int           `mapstructure:"outbox_limit"`
	SendRatePerSecond    float64       `mapstructure:"send_rate_per_second"`
}

// APIConfig holds the fallback REST surface configuration
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SamplerConfig holds position sampling configuration
type SamplerConfig struct {
	ForegroundInterval    time.Duration `mapstructure:"foreground_interval"`
	BackgroundInterval    time.Duration `mapstructure:"background_interval"`
	DisplacementThreshold float64       `mapstructure:"displacement_threshold_m"`
}

// QueueConfig holds the durability queue configuration
type QueueConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// EmergencyConfig holds the emergency coordinator configuration
type EmergencyConfig struct {
	CountdownSeconds int `mapstructure:"countdown_seconds"`
}

// Countdown returns the pre-send countdown as a duration.
func (c EmergencyConfig) Countdown() time.Duration {
	return time.Duration(c.CountdownSeconds) * time.Second
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/fieldtrack")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Config file is optional, env vars and defaults carry the rest
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Wire defaults
	viper.SetDefault("wire.base_url", "wss://localhost:8443")
	viper.SetDefault("wire.connect_timeout", "10s")
	viper.SetDefault("wire.heartbeat_interval", "30s")
	viper.SetDefault("wire.pong_timeout_enabled", true)
	viper.SetDefault("wire.reconnect_base_delay", "2s")
	viper.SetDefault("wire.reconnect_max_attempts", 8)
	viper.SetDefault("wire.outbox_limit", 256)
	viper.SetDefault("wire.send_rate_per_second", 20.0)

	// Fallback API defaults
	viper.SetDefault("api.base_url", "https://localhost:8443")
	viper.SetDefault("api.request_timeout", "10s")

	// Sampler defaults
	viper.SetDefault("sampler.foreground_interval", "5s")
	viper.SetDefault("sampler.background_interval", "15s")
	viper.SetDefault("sampler.displacement_threshold_m", 8.0)

	// Queue defaults
	viper.SetDefault("queue.max_entries", 500)

	// Emergency defaults
	viper.SetDefault("emergency.countdown_seconds", 10)

	// Redis defaults
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.dial_timeout", "5s")

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.environment", "development")
	viper.SetDefault("log.encoding", "console")
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Wire.BaseURL == "" {
		return fmt.Errorf("wire base URL cannot be empty")
	}

	if cfg.Wire.ConnectTimeout < time.Second {
		return fmt.Errorf("wire connect timeout must be at least 1s")
	}

	if cfg.Wire.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat interval must be at least 1s")
	}

	if cfg.Wire.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}

	if cfg.Wire.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be at least 1")
	}

	if cfg.Wire.OutboxLimit < 1 {
		return fmt.Errorf("outbox limit must be at least 1")
	}

	if cfg.Wire.SendRatePerSecond <= 0 {
		return fmt.Errorf("send rate must be positive")
	}

	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api base URL cannot be empty")
	}

	if cfg.API.RequestTimeout <= 0 {
		return fmt.Errorf("api request timeout must be positive")
	}

	if cfg.Sampler.ForegroundInterval <= 0 || cfg.Sampler.BackgroundInterval <= 0 {
		return fmt.Errorf("sampler intervals must be positive")
	}

	if cfg.Sampler.DisplacementThreshold < 0 {
		return fmt.Errorf("displacement threshold cannot be negative")
	}

	if cfg.Queue.MaxEntries < 1 {
		return fmt.Errorf("queue max entries must be at least 1")
	}

	if cfg.Emergency.CountdownSeconds < 0 {
		return fmt.Errorf("emergency countdown cannot be negative")
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis URL cannot be empty")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Log.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	validEncodings := []string{"json", "console"}
	if !contains(validEncodings, cfg.Log.Encoding) {
		return fmt.Errorf("invalid log encoding: %s", cfg.Log.Encoding)
	}

	return nil
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
