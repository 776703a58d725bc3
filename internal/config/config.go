// Package config defines the top-level configuration for mirrord and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Sync       SyncConfig       `toml:"sync"`
	Ingest     IngestConfig     `toml:"ingest"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	GammaHost string `toml:"gamma_host"`
	ClobHost  string `toml:"clob_host"`
	WsHost    string `toml:"ws_host"`
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
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
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

// SyncConfig holds catalog synchronizer parameters.
type SyncConfig struct {
	BatchSize           int      `toml:"batch_size"`
	IncrementalInterval duration `toml:"incremental_interval"`
	FullInterval        duration `toml:"full_interval"`
	// StaleClaimAfter is how long a checkpoint may sit in-progress before a
	// new run reclaims it (a crashed worker never clears its claim). Zero
	// means derive from the mode interval.
	StaleClaimAfter duration `toml:"stale_claim_after"`
}

// IngestConfig holds stream ingester parameters.
type IngestConfig struct {
	// AssetIDs is the set of CLOB token IDs to subscribe to. Empty means
	// derive from active markets in the store at startup.
	AssetIDs       []string `toml:"asset_ids"`
	MaxAssets      int      `toml:"max_assets"`
	LogCapacity    int      `toml:"log_capacity"`
	ControlChannel string   `toml:"control_channel"`
	// ArchiveInterval controls how often drained stream-log segments are
	// flushed to object storage. Zero disables archiving.
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ConnString returns the pgx connection string. An explicit DSN wins over
// the individual host/port fields.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// CacheTTL returns the market cache TTL as a time.Duration.
func (r RedisConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLMinutes) * time.Minute
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "24h").
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
		Polymarket: PolymarketConfig{
			GammaHost: "https://gamma-api.polymarket.com",
			ClobHost:  "https://clob.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketmirror",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			DB:              0,
			PoolSize:        20,
			MaxRetries:      3,
			CacheTTLMinutes: 5,
			StreamMaxLen:    10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketmirror-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			BatchSize:           500,
			IncrementalInterval: duration{5 * time.Minute},
			FullInterval:        duration{24 * time.Hour},
		},
		Ingest: IngestConfig{
			MaxAssets:       100,
			LogCapacity:     10000,
			ControlChannel:  "mirror:control",
			ArchiveInterval: duration{0},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internally inconsistent or missing
// values. It is called by the binary after Load.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "sync", "ingest", "serve", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Polymarket.GammaHost == "" {
		return fmt.Errorf("config: polymarket.gamma_host is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.IncrementalInterval.Duration <= 0 {
		return fmt.Errorf("config: sync.incremental_interval must be positive")
	}
	if c.Sync.FullInterval.Duration <= 0 {
		return fmt.Errorf("config: sync.full_interval must be positive")
	}
	if c.Ingest.LogCapacity <= 0 {
		return fmt.Errorf("config: ingest.log_capacity must be positive, got %d", c.Ingest.LogCapacity)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}
