// Package config loads and validates the TOML configuration file.
// Override chain: defaults -> config file -> environment variables.
package config

import (
	"fmt"
	"time"
)

// Default values. These are layer 0 of the override chain and work
// without a config file for everything except credentials.
const (
	defaultDatabasePath     = "modeuscal.db"
	defaultSyncInterval     = "15m"
	defaultConcurrency      = 5
	defaultCalendarSummary  = "Modeus Integration"
	defaultCalendarTimeZone = "Asia/Yekaterinburg"
	defaultLogLevel         = "info"
)

// Config is the full application configuration.
type Config struct {
	DatabasePath string `toml:"database_path"`

	Google   GoogleConfig   `toml:"google"`
	Modeus   ModeusConfig   `toml:"modeus"`
	Telegram TelegramConfig `toml:"telegram"`
	Sync     SyncConfig     `toml:"sync"`

	LogLevel string `toml:"log_level"`
}

// GoogleConfig holds the OAuth client used for calendar access.
type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

// ModeusConfig holds the scheduling-source connection settings.
type ModeusConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// TelegramConfig holds the notification bot settings. An empty token
// disables notifications.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
}

// SyncConfig holds the run cadence and calendar shape.
type SyncConfig struct {
	// Interval between daemon runs, as a Go duration string.
	Interval string `toml:"interval"`
	// Concurrency bounds how many users sync at once.
	Concurrency int `toml:"concurrency"`
	// CalendarSummary names newly created dedicated calendars.
	CalendarSummary string `toml:"calendar_summary"`
	// CalendarTimeZone is the IANA zone for calendars, event payloads,
	// and the sync window.
	CalendarTimeZone string `toml:"calendar_timezone"`
}

// DefaultConfig returns a Config populated with all default values.
// Used as the decode target so unset TOML fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: defaultDatabasePath,
		Sync: SyncConfig{
			Interval:         defaultSyncInterval,
			Concurrency:      defaultConcurrency,
			CalendarSummary:  defaultCalendarSummary,
			CalendarTimeZone: defaultCalendarTimeZone,
		},
		LogLevel: defaultLogLevel,
	}
}

// Interval parses the sync interval.
func (c *SyncConfig) IntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid sync interval %q: %w", c.Interval, err)
	}

	return d, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures: parseable durations, a resolvable time zone, and
// the credentials the sync path cannot run without.
func Validate(cfg *Config) error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}

	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_id and google.client_secret are required")
	}

	if cfg.Modeus.Token == "" {
		return fmt.Errorf("modeus.token is required")
	}

	if _, err := cfg.Sync.IntervalDuration(); err != nil {
		return err
	}

	if cfg.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}

	if _, err := time.LoadLocation(cfg.Sync.CalendarTimeZone); err != nil {
		return fmt.Errorf("invalid sync.calendar_timezone %q: %w", cfg.Sync.CalendarTimeZone, err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn, or error)", cfg.LogLevel)
	}

	return nil
}
