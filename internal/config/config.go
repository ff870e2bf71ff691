// Package config defines the top-level configuration for the polypool server
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYPOOL_* environment variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Bus      BusConfig      `toml:"bus"`
	Server   ServerConfig   `toml:"server"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Markets  []MarketSeed   `toml:"markets"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig controls where votes are stored and how they are validated.
type LedgerConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `toml:"backend"`
	// MaxVoteAmount is the per-vote ceiling in whole units.
	MaxVoteAmount float64 `toml:"max_vote_amount"`
	// AnonymousWallet is the wallet key used when a vote carries none.
	AnonymousWallet     string   `toml:"anonymous_wallet"`
	CanonicalizeWallets bool     `toml:"canonicalize_wallets"`
	NotifyTimeout       duration `toml:"notify_timeout"`
}

// BusConfig controls the vote notification bus.
type BusConfig struct {
	// Backend is "redis" or "local".
	Backend string `toml:"backend"`
	// StreamPollInterval bounds how long a streaming session waits for a
	// notification before checking whether its client is still there.
	StreamPollInterval duration `toml:"stream_poll_interval"`
	// Buffer is the per-subscription queue length.
	Buffer int `toml:"buffer"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// VoteRateLimit is the number of votes one client IP may place per
	// VoteRateWindow. Zero disables the limiter.
	VoteRateLimit  int      `toml:"vote_rate_limit"`
	VoteRateWindow duration `toml:"vote_rate_window"`
}

// ArchiveConfig controls the periodic ledger export to object storage.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
	LockTTL  duration `toml:"lock_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MarketSeed is a market inserted at startup when it does not exist yet.
type MarketSeed struct {
	ID       string   `toml:"id"`
	Question string   `toml:"question"`
	Status   string   `toml:"status"`
	Duration duration `toml:"duration"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polypool-ledger",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			Backend:             "postgres",
			MaxVoteAmount:       100,
			CanonicalizeWallets: true,
			NotifyTimeout:       duration{5 * time.Second},
		},
		Bus: BusConfig{
			Backend:            "redis",
			StreamPollInterval: duration{time.Second},
			Buffer:             128,
		},
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000"},
			VoteRateLimit:  10,
			VoteRateWindow: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Prefix:   "ledger",
			LockTTL:  duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"bus_unavailable", "archive_failed"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"migrate": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	switch c.Ledger.Backend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("ledger: backend must be postgres or memory, got %q", c.Ledger.Backend))
	}
	if c.Ledger.MaxVoteAmount <= 0 {
		errs = append(errs, "ledger: max_vote_amount must be > 0")
	}
	if c.Ledger.NotifyTimeout.Duration <= 0 {
		errs = append(errs, "ledger: notify_timeout must be > 0")
	}
	if mode == "migrate" && c.Ledger.Backend != "postgres" {
		errs = append(errs, "mode migrate requires ledger.backend = postgres")
	}

	// Database
	if c.Ledger.Backend == "postgres" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Bus
	switch c.Bus.Backend {
	case "redis", "local":
	default:
		errs = append(errs, fmt.Sprintf("bus: backend must be redis or local, got %q", c.Bus.Backend))
	}
	if c.Bus.StreamPollInterval.Duration <= 0 {
		errs = append(errs, "bus: stream_poll_interval must be > 0")
	}
	if c.Bus.Buffer < 1 {
		errs = append(errs, "bus: buffer must be >= 1")
	}

	// Redis
	if c.needsRedis() {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.LockTTL.Duration <= 0 {
			errs = append(errs, "archive: lock_ttl must be > 0")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.VoteRateLimit < 0 {
		errs = append(errs, "server: vote_rate_limit must be >= 0")
	}
	if c.Server.VoteRateLimit > 0 && c.Server.VoteRateWindow.Duration <= 0 {
		errs = append(errs, "server: vote_rate_window must be > 0 when vote_rate_limit is set")
	}

	// Markets
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if strings.TrimSpace(m.ID) == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: id must not be empty", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if m.Question == "" {
			errs = append(errs, fmt.Sprintf("markets[%d]: question must not be empty", i))
		}
		if m.Duration.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("markets[%d]: duration must be > 0", i))
		}
		switch strings.ToUpper(m.Status) {
		case "", "ACTIVE", "CLOSED", "RESOLVED":
		default:
			errs = append(errs, fmt.Sprintf("markets[%d]: unknown status %q", i, m.Status))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// needsRedis reports whether any configured component talks to Redis.
func (c *Config) needsRedis() bool {
	return c.Bus.Backend == "redis" || c.Archive.Enabled || strings.ToLower(c.Mode) == "archive"
}

// NeedsRedis is exported for wiring.
func (c *Config) NeedsRedis() bool {
	return c.needsRedis()
}
