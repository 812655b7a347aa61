// Package config loads process configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/sigscan/sigscan/core"
)

// Config is everything the process reads from its environment. Persisted
// scan settings live in the store, not here.
type Config struct {
	TradingMode core.TradingMode

	LiveAPIKey       string
	LiveAPISecret    string
	TestnetAPIKey    string
	TestnetAPISecret string

	DatabasePath string
	ArchivePath  string

	TelegramToken string
	TelegramUsers []int

	MetricsAddr string
	LogLevel    string

	SessionTimeout time.Duration
}

// Load reads the configuration, preferring real environment variables over
// the optional .env file
func Load(envFiles ...string) (Config, error) {
	// Missing .env is fine; environment variables may carry everything
	_ = godotenv.Load(envFiles...)

	cfg := Config{
		TradingMode:      core.TradingMode(envOr("SIGSCAN_MODE", string(core.ModeTestnet))),
		LiveAPIKey:       os.Getenv("BINANCE_API_KEY"),
		LiveAPISecret:    os.Getenv("BINANCE_API_SECRET"),
		TestnetAPIKey:    os.Getenv("BINANCE_TESTNET_API_KEY"),
		TestnetAPISecret: os.Getenv("BINANCE_TESTNET_API_SECRET"),
		DatabasePath:     envOr("SIGSCAN_DB", "sigscan.db"),
		ArchivePath:      envOr("SIGSCAN_ARCHIVE_DB", "sigscan-archive.db"),
		TelegramToken:    os.Getenv("TELEGRAM_TOKEN"),
		MetricsAddr:      os.Getenv("SIGSCAN_METRICS_ADDR"),
		LogLevel:         envOr("SIGSCAN_LOG_LEVEL", "info"),
		SessionTimeout:   30 * time.Second,
	}

	if users := os.Getenv("TELEGRAM_USERS"); users != "" {
		parsed, err := parseUsers(users)
		if err != nil {
			return Config{}, err
		}
		cfg.TelegramUsers = parsed
	}

	if raw := os.Getenv("SIGSCAN_SESSION_TIMEOUT"); raw != "" {
		d, err := str2duration.ParseDuration(raw)
		if err != nil {
			return Config{}, core.ConfigErrorf("invalid SIGSCAN_SESSION_TIMEOUT %q: %s", raw, err)
		}
		cfg.SessionTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the scanner cannot start with
func (c Config) Validate() error {
	switch c.TradingMode {
	case core.ModeTestnet, core.ModeLive:
	default:
		return core.ConfigErrorf("unknown trading mode %q", c.TradingMode)
	}

	if c.TradingMode == core.ModeLive && (c.LiveAPIKey == "" || c.LiveAPISecret == "") {
		return core.ConfigErrorf("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.TradingMode == core.ModeTestnet && (c.TestnetAPIKey == "" || c.TestnetAPISecret == "") {
		return core.ConfigErrorf("testnet mode requires BINANCE_TESTNET_API_KEY and BINANCE_TESTNET_API_SECRET")
	}

	if c.TelegramToken != "" && len(c.TelegramUsers) == 0 {
		return core.ConfigErrorf("TELEGRAM_TOKEN is set but TELEGRAM_USERS is empty")
	}
	if c.DatabasePath == "" {
		return core.ConfigErrorf("database path must not be empty")
	}
	return nil
}

// TelegramEnabled reports whether a Telegram notifier should be wired
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && len(c.TelegramUsers) > 0
}

func parseUsers(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	users := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, core.ConfigErrorf("invalid telegram user id %q", part)
		}
		users = append(users, id)
	}
	return users, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
