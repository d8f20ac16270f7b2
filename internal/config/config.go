package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProviderConfig holds spot price provider configuration
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// EngineConfig holds monitoring engine configuration
type EngineConfig struct {
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	RepeatSpacing time.Duration `mapstructure:"repeat_spacing"`
}

// DeliveryConfig holds notification delivery configuration
type DeliveryConfig struct {
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
	MinSendGap  time.Duration   `mapstructure:"min_send_gap"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	DefaultChatID string `mapstructure:"default_chat_id"`
	Enabled       bool   `mapstructure:"enabled"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("PRICEWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("provider.base_url", "https://api.binance.com")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.retry_delay_base", "1s")
	v.SetDefault("provider.cache_ttl", "2s")

	// Engine defaults
	v.SetDefault("engine.scan_interval", "200ms")
	v.SetDefault("engine.repeat_spacing", "3s")

	// Delivery defaults
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.backoff", []string{"2s", "5s", "15s"})
	v.SetDefault("delivery.min_send_gap", "1100ms")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/pricewatch.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", "./logs/pricewatch.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Provider config
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.Timeout < time.Second {
		return fmt.Errorf("provider.timeout must be at least 1 second")
	}
	if c.Provider.MaxRetries < 1 {
		return fmt.Errorf("provider.max_retries must be at least 1")
	}
	if c.Provider.CacheTTL <= 0 {
		return fmt.Errorf("provider.cache_ttl must be positive")
	}

	// Validate Engine config
	if c.Engine.ScanInterval < 50*time.Millisecond || c.Engine.ScanInterval > time.Second {
		return fmt.Errorf("engine.scan_interval must be between 50ms and 1s")
	}
	if c.Engine.RepeatSpacing <= 0 {
		return fmt.Errorf("engine.repeat_spacing must be positive")
	}

	// Validate Delivery config
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if len(c.Delivery.Backoff) == 0 {
		return fmt.Errorf("delivery.backoff must contain at least one delay")
	}
	for i, d := range c.Delivery.Backoff {
		if d <= 0 {
			return fmt.Errorf("delivery.backoff[%d] must be positive", i)
		}
	}
	if c.Delivery.MinSendGap < 0 {
		return fmt.Errorf("delivery.min_send_gap must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.DefaultChatID == "" {
			return fmt.Errorf("telegram.default_chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
