// Package config provides configuration loading and validation for the
// medscrape pipeline. Values are read once at process start from a YAML
// file, with MEDSCRAPE_* environment variables taking precedence, and the
// resulting struct is passed explicitly to each component.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines every setting consumed by the pipeline.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Detection DetectionConfig `mapstructure:"detection"`
	Notify    NotifyConfig    `mapstructure:"notify"`

	// Schedule is an optional cron expression; when set, the pipeline runs
	// on that schedule instead of once.
	Schedule string `mapstructure:"schedule"`
}

// LoggerConfig controls structured logging output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds MTProto credentials. The fields are only required
// for the scrape phase and are checked there, not at load time, so that
// ETL-only invocations can run without them.
type TelegramConfig struct {
	APIID       int    `mapstructure:"api_id"`
	APIHash     string `mapstructure:"api_hash"`
	Phone       string `mapstructure:"phone"`
	SessionFile string `mapstructure:"session_file"`
}

// ScraperConfig controls which channels are scraped and where raw data lands.
type ScraperConfig struct {
	Channels    []string `mapstructure:"channels"`
	MaxMessages int      `mapstructure:"max_messages" validate:"gt=0"`
	DataDir     string   `mapstructure:"data_dir"     validate:"required"`
}

// WarehouseConfig selects the relational sink.
type WarehouseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn"    validate:"required"`
}

// AnalyticsConfig holds scoring thresholds.
type AnalyticsConfig struct {
	RiskThreshold float64 `mapstructure:"risk_threshold" validate:"min=0,max=1"`
}

// DetectionConfig configures the optional Gemini image enrichment step.
// Detection is skipped entirely when APIKey is empty.
type DetectionConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// NotifyConfig configures the optional run-summary notification bot.
// Notification is skipped entirely when BotToken is empty.
type NotifyConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load reads configuration from the given YAML file path, applies defaults
// and environment overrides, and validates the result. A missing config
// file is not an error; defaults and environment variables are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MEDSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("telegram.session_file", "medscrape.session")

	v.SetDefault("scraper.max_messages", 500)
	v.SetDefault("scraper.data_dir", "data/raw")

	v.SetDefault("warehouse.driver", "sqlite")
	v.SetDefault("warehouse.dsn", "medscrape.db")

	v.SetDefault("analytics.risk_threshold", 0.7)

	v.SetDefault("detection.model", "gemini-2.0-flash")
}
