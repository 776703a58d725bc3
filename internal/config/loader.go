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
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "MIRROR_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "MIRROR_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "MIRROR_POLYMARKET_WS_HOST")

	// ── Database ──
	setStr(&cfg.Database.DSN, "MIRROR_DATABASE_DSN")
	setStr(&cfg.Database.Host, "MIRROR_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MIRROR_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MIRROR_DATABASE_NAME")
	setStr(&cfg.Database.User, "MIRROR_DATABASE_USER")
	setStr(&cfg.Database.Password, "MIRROR_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MIRROR_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "MIRROR_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MIRROR_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MIRROR_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.CacheTTLMinutes, "MIRROR_REDIS_CACHE_TTL_MINUTES")
	setInt(&cfg.Redis.StreamMaxLen, "MIRROR_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "MIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MIRROR_S3_FORCE_PATH_STYLE")

	// ── Sync ──
	setInt(&cfg.Sync.BatchSize, "MIRROR_SYNC_BATCH_SIZE")
	setDuration(&cfg.Sync.IncrementalInterval, "MIRROR_SYNC_INCREMENTAL_INTERVAL")
	setDuration(&cfg.Sync.FullInterval, "MIRROR_SYNC_FULL_INTERVAL")
	setDuration(&cfg.Sync.StaleClaimAfter, "MIRROR_SYNC_STALE_CLAIM_AFTER")

	// ── Ingest ──
	setStringSlice(&cfg.Ingest.AssetIDs, "MIRROR_INGEST_ASSET_IDS")
	setInt(&cfg.Ingest.MaxAssets, "MIRROR_INGEST_MAX_ASSETS")
	setInt(&cfg.Ingest.LogCapacity, "MIRROR_INGEST_LOG_CAPACITY")
	setStr(&cfg.Ingest.ControlChannel, "MIRROR_INGEST_CONTROL_CHANNEL")
	setDuration(&cfg.Ingest.ArchiveInterval, "MIRROR_INGEST_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MIRROR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MIRROR_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MIRROR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MIRROR_MODE")
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
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
