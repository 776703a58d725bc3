package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/marketmirror/marketmirror/internal/blob/s3"
	"github.com/marketmirror/marketmirror/internal/cache/redis"
	"github.com/marketmirror/marketmirror/internal/config"
	"github.com/marketmirror/marketmirror/internal/domain"
	"github.com/marketmirror/marketmirror/internal/notify"
	"github.com/marketmirror/marketmirror/internal/platform/polymarket"
	"github.com/marketmirror/marketmirror/internal/store/postgres"
)

// streamLogName is the durable Redis stream mirroring the in-memory ring log.
const streamLogName = "mirror:streamlog"

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore     domain.MarketStore
	CheckpointStore domain.CheckpointStore
	HistoryStore    domain.PriceHistoryStore

	// Caches and messaging
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter

	// Platform clients
	Gamma *polymarket.GammaClient
	Clob  *polymarket.ClobClient

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that require a database connection.
// Ingest only needs the store when the asset list must be derived from
// active markets.
func needsPostgres(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Mode) {
	case "sync", "serve", "full":
		return true
	case "ingest":
		return len(cfg.Ingest.AssetIDs) == 0
	default:
		return false
	}
}

// needsS3 returns true when stream archiving to object storage is active.
func needsS3(cfg *config.Config) bool {
	if cfg.Ingest.ArchiveInterval.Duration <= 0 {
		return false
	}
	switch strings.ToLower(cfg.Mode) {
	case "ingest", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Gamma: polymarket.NewGammaClient(cfg.Polymarket.GammaHost),
		Clob:  polymarket.NewClobClient(cfg.Polymarket.ClobHost),
	}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			ConnString: cfg.Database.ConnString(),
			MaxConns:   cfg.Database.PoolMaxConns,
			MinConns:   cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.CheckpointStore = postgres.NewCheckpointStore(pool)
		deps.HistoryStore = postgres.NewPriceHistoryStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	streamMaxLen := int64(10000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = int64(cfg.Redis.StreamMaxLen)
	}

	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL())
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)

	// --- S3 blob storage (only when archiving is active) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
