package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYPOOL_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYPOOL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "POLYPOOL_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "POLYPOOL_DATABASE_HOST")
	setInt(&cfg.Database.Port, "POLYPOOL_DATABASE_PORT")
	setStr(&cfg.Database.Database, "POLYPOOL_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "POLYPOOL_DATABASE_USER")
	setStr(&cfg.Database.Password, "POLYPOOL_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "POLYPOOL_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "POLYPOOL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "POLYPOOL_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "POLYPOOL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYPOOL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYPOOL_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "POLYPOOL_LEDGER_BACKEND")
	setFloat64(&cfg.Ledger.MaxVoteAmount, "POLYPOOL_LEDGER_MAX_VOTE_AMOUNT")
	setStr(&cfg.Ledger.AnonymousWallet, "POLYPOOL_LEDGER_ANONYMOUS_WALLET")
	setBool(&cfg.Ledger.CanonicalizeWallets, "POLYPOOL_LEDGER_CANONICALIZE_WALLETS")
	setDuration(&cfg.Ledger.NotifyTimeout, "POLYPOOL_LEDGER_NOTIFY_TIMEOUT")

	// ── Bus ──
	setStr(&cfg.Bus.Backend, "POLYPOOL_BUS_BACKEND")
	setDuration(&cfg.Bus.StreamPollInterval, "POLYPOOL_BUS_STREAM_POLL_INTERVAL")
	setInt(&cfg.Bus.Buffer, "POLYPOOL_BUS_BUFFER")

	// ── Server ──
	setInt(&cfg.Server.Port, "POLYPOOL_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port wins
	setStringSlice(&cfg.Server.CORSOrigins, "POLYPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYPOOL_SERVER_API_KEY")
	setInt(&cfg.Server.VoteRateLimit, "POLYPOOL_SERVER_VOTE_RATE_LIMIT")
	setDuration(&cfg.Server.VoteRateWindow, "POLYPOOL_SERVER_VOTE_RATE_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYPOOL_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "POLYPOOL_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "POLYPOOL_ARCHIVE_PREFIX")
	setDuration(&cfg.Archive.LockTTL, "POLYPOOL_ARCHIVE_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYPOOL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYPOOL_MODE")
	setStr(&cfg.LogLevel, "POLYPOOL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
