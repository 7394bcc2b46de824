package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable overrides. Secrets in particular are commonly
// injected through the environment rather than written to disk.
const (
	EnvConfig        = "MODEUSCAL_CONFIG"
	EnvDatabasePath  = "MODEUSCAL_DB"
	EnvGoogleID      = "MODEUSCAL_GOOGLE_CLIENT_ID"
	EnvGoogleSecret  = "MODEUSCAL_GOOGLE_CLIENT_SECRET"
	EnvModeusToken   = "MODEUSCAL_MODEUS_TOKEN"
	EnvTelegramToken = "MODEUSCAL_TELEGRAM_BOT_TOKEN"
)

// DefaultConfigPath is where the config file lives unless overridden.
const DefaultConfigPath = "modeuscal.toml"

// Load reads and parses a TOML config file. Unknown keys are fatal:
// silently ignoring a typo in a config file leads to hard-to-debug
// behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve applies the full override chain — defaults, then the config
// file if one exists, then environment variables — and validates the
// result.
func Resolve(cliConfigPath string) (*Config, error) {
	path := DefaultConfigPath
	if env := os.Getenv(EnvConfig); env != "" {
		path = env
	}

	if cliConfigPath != "" {
		path = cliConfigPath
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv(EnvGoogleID); v != "" {
		cfg.Google.ClientID = v
	}

	if v := os.Getenv(EnvGoogleSecret); v != "" {
		cfg.Google.ClientSecret = v
	}

	if v := os.Getenv(EnvModeusToken); v != "" {
		cfg.Modeus.Token = v
	}

	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Telegram.BotToken = v
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and
// reports them all at once.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, len(undecoded))
	for i, key := range undecoded {
		keys[i] = key.String()
	}

	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}
