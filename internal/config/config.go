// Package config loads AuthRecall settings from the environment, an
// optional .env file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	Addr            string        `env:"AUTHRECALL_ADDR" envDefault:"127.0.0.1:8787"`
	StoreDSN        string        `env:"AUTHRECALL_STORE_DSN" envDefault:"file://authrecall.json"`
	RulesFile       string        `env:"AUTHRECALL_RULES_FILE"`
	JWTSecret       string        `env:"AUTHRECALL_JWT_SECRET"`
	RateLimitMax    int           `env:"AUTHRECALL_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"AUTHRECALL_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"AUTHRECALL_MAX_BODY_BYTES" envDefault:"1048576"`
	SyncInterval    time.Duration `env:"AUTHRECALL_SYNC_INTERVAL" envDefault:"1h"`
	SyncJitter      float64       `env:"AUTHRECALL_SYNC_JITTER" envDefault:"0.1"`
	SyncTimeout     time.Duration `env:"AUTHRECALL_SYNC_TIMEOUT" envDefault:"30s"`
	Debounce        time.Duration `env:"AUTHRECALL_DEBOUNCE" envDefault:"2s"`
	NotionAPIKey    string        `env:"AUTHRECALL_NOTION_API_KEY"`
	NotionDatabase  string        `env:"AUTHRECALL_NOTION_DATABASE_ID"`
	NotionBaseURL   string        `env:"AUTHRECALL_NOTION_BASE_URL"`
	LogLevel        string        `env:"AUTHRECALL_LOG_LEVEL" envDefault:"info"`
	WatchStore      bool          `env:"AUTHRECALL_WATCH_STORE" envDefault:"true"`
}

// Load reads envFiles (missing files are skipped; with none given, ./.env)
// and then parses the environment. Variables already set win over the
// files.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds flags whose defaults are the loaded values, so a flag
// only overrides what it is given.
func (c *Config) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Addr, "addr", c.Addr, "local API listen address")
	flags.StringVar(&c.StoreDSN, "store", c.StoreDSN, "account store DSN (memory://, file://path, sqlite://path, postgres://...)")
	flags.StringVar(&c.RulesFile, "rules", c.RulesFile, "signal rules YAML file")
	flags.StringVar(&c.JWTSecret, "jwt-secret", c.JWTSecret, "HS256 secret for API bearer tokens (empty disables auth)")
	flags.IntVar(&c.RateLimitMax, "rate-limit", c.RateLimitMax, "requests per window per client (0 disables)")
	flags.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "rate limit window")
	flags.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum request body size")
	flags.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "periodic bidirectional sync interval")
	flags.Float64Var(&c.SyncJitter, "sync-jitter", c.SyncJitter, "sync interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&c.SyncTimeout, "sync-timeout", c.SyncTimeout, "timeout for one sync run")
	flags.DurationVar(&c.Debounce, "debounce", c.Debounce, "quiet period before pushing a changed account")
	flags.StringVar(&c.NotionAPIKey, "notion-api-key", c.NotionAPIKey, "Notion integration key")
	flags.StringVar(&c.NotionDatabase, "notion-database", c.NotionDatabase, "Notion database id")
	flags.StringVar(&c.NotionBaseURL, "notion-base-url", c.NotionBaseURL, "Notion API base URL")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	flags.BoolVar(&c.WatchStore, "watch-store", c.WatchStore, "reload when another process rewrites the store")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.StoreDSN) == "" {
		return errors.New("store DSN is required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimitMax)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Logger builds the process logger. Invalid levels fall back to info.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
