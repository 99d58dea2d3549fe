// Package config handles application configuration management using Viper
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Storage driver names accepted in STORAGE_DRIVER.
const (
	DriverBuntDB = "buntdb"
	DriverSQLite = "sqlite"
)

// Defaults for optional settings.
const (
	DefaultStoragePath  = "./pocket-crypto.db"
	DefaultWebhookPath  = "/api/webhook"
	DefaultPort         = 8080
	DefaultListingLimit = 5000
	DefaultSnapshotTTL  = 10 * time.Minute
	DefaultTickInterval = time.Minute
	DefaultClaimLease   = 2 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	Telegram TelegramConfig
	Storage  StorageConfig
	Market   MarketConfig
	Schedule ScheduleConfig
	Server   ServerConfig
	LogLevel string
}

// TelegramConfig holds the bot transport configuration.
type TelegramConfig struct {
	Token          string
	UseWebhook     bool
	WebhookBaseURL string
	WebhookPath    string
}

// StorageConfig selects and locates the automation store.
type StorageConfig struct {
	Driver string
	Path   string
}

// MarketConfig tunes the listing snapshot cache.
type MarketConfig struct {
	ListingLimit int
	SnapshotTTL  time.Duration
}

// ScheduleConfig tunes the delivery loop.
type ScheduleConfig struct {
	TickInterval time.Duration
	ClaimLease   time.Duration
	TickSecret   string
}

// ServerConfig holds the HTTP front door settings.
type ServerConfig struct {
	Port int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("STORAGE_DRIVER", DriverBuntDB)
	v.SetDefault("STORAGE_PATH", DefaultStoragePath)
	v.SetDefault("WEBHOOK_PATH", DefaultWebhookPath)
	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("LISTING_LIMIT", DefaultListingLimit)
	v.SetDefault("SNAPSHOT_TTL", DefaultSnapshotTTL.String())
	v.SetDefault("TICK_INTERVAL", DefaultTickInterval.String())
	v.SetDefault("CLAIM_LEASE", DefaultClaimLease.String())
	v.SetDefault("USE_WEBHOOK", false)
	v.SetDefault("LOG_LEVEL", "info")

	snapshotTTL, err := parseDuration(v.GetString("SNAPSHOT_TTL"), "SNAPSHOT_TTL")
	if err != nil {
		return nil, err
	}
	tickInterval, err := parseDuration(v.GetString("TICK_INTERVAL"), "TICK_INTERVAL")
	if err != nil {
		return nil, err
	}
	claimLease, err := parseDuration(v.GetString("CLAIM_LEASE"), "CLAIM_LEASE")
	if err != nil {
		return nil, err
	}

	config := &Config{
		Telegram: TelegramConfig{
			Token:          v.GetString("TELEGRAM_BOT_TOKEN"),
			UseWebhook:     v.GetBool("USE_WEBHOOK"),
			WebhookBaseURL: strings.TrimRight(v.GetString("WEBHOOK_BASE_URL"), "/"),
			WebhookPath:    v.GetString("WEBHOOK_PATH"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("STORAGE_DRIVER")),
			Path:   v.GetString("STORAGE_PATH"),
		},
		Market: MarketConfig{
			ListingLimit: v.GetInt("LISTING_LIMIT"),
			SnapshotTTL:  snapshotTTL,
		},
		Schedule: ScheduleConfig{
			TickInterval: tickInterval,
			ClaimLease:   claimLease,
			TickSecret:   v.GetString("TICK_SECRET"),
		},
		Server: ServerConfig{
			Port: v.GetInt("PORT"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.Telegram.UseWebhook && c.Telegram.WebhookBaseURL == "" {
		return fmt.Errorf("WEBHOOK_BASE_URL is required when USE_WEBHOOK is set")
	}
	if c.Storage.Driver != DriverBuntDB && c.Storage.Driver != DriverSQLite {
		return fmt.Errorf("unknown STORAGE_DRIVER %q, expected %s or %s",
			c.Storage.Driver, DriverBuntDB, DriverSQLite)
	}
	if c.Market.ListingLimit <= 0 {
		return fmt.Errorf("LISTING_LIMIT must be positive, got %d", c.Market.ListingLimit)
	}
	return nil
}

// WebhookURL is the full public URL Telegram should deliver updates to.
func (c *Config) WebhookURL() string {
	return c.Telegram.WebhookBaseURL + c.Telegram.WebhookPath
}

// parseDuration accepts both Go durations and day/week suffixes ("1d", "2w").
func parseDuration(value, name string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}
