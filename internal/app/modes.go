package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/marketmirror/marketmirror/internal/blob/s3"
	"github.com/marketmirror/marketmirror/internal/domain"
	"github.com/marketmirror/marketmirror/internal/ingest"
	"github.com/marketmirror/marketmirror/internal/pipeline"
	"github.com/marketmirror/marketmirror/internal/platform/polymarket"
	"github.com/marketmirror/marketmirror/internal/server"
	"github.com/marketmirror/marketmirror/internal/server/handler"
	"github.com/marketmirror/marketmirror/internal/service"
)

// shutdownGrace is how long in-flight HTTP requests get to finish.
const shutdownGrace = 10 * time.Second

// SyncMode runs the catalog synchronizer loop, plus the HTTP server when
// enabled so operators can trigger sweeps and read checkpoint status.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)

	sync := a.startSynchronizer(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, sync, nil)
	}

	return g.Wait()
}

// IngestMode runs the live stream ingester, plus the HTTP server when
// enabled so the in-memory snapshot table and log are queryable.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	ing := a.startIngester(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, ing)
	}

	return g.Wait()
}

// ServeMode runs only the HTTP read API. Stream endpoints report
// unavailable and sync triggers are rejected; checkpoint status still
// reads from the store.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps, nil, nil)

	return g.Wait()
}

// FullMode starts all subsystems: the synchronizer, the ingester, the
// archiver, and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	sync := a.startSynchronizer(ctx, g, deps)
	ing := a.startIngester(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, sync, ing)
	}

	return g.Wait()
}

// startSynchronizer builds the catalog synchronizer and adds its run loop
// to the errgroup.
func (a *App) startSynchronizer(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Synchronizer {
	sync := pipeline.NewSynchronizer(
		deps.MarketStore,
		deps.CheckpointStore,
		deps.LockManager,
		deps.Gamma,
		deps.Notifier,
		pipeline.SynchronizerConfig{
			BatchSize:           a.cfg.Sync.BatchSize,
			IncrementalInterval: a.cfg.Sync.IncrementalInterval.Duration,
			FullInterval:        a.cfg.Sync.FullInterval.Duration,
			StaleClaimAfter:     a.cfg.Sync.StaleClaimAfter.Duration,
		},
		a.logger,
	)

	g.Go(func() error {
		return sync.RunLoop(ctx)
	})

	return sync
}

// startIngester builds the stream ingester and adds it to the errgroup,
// along with the stream archiver when object storage is wired. The asset
// list comes from configuration, or from the active catalog when empty.
func (a *App) startIngester(ctx context.Context, g *errgroup.Group, deps *Dependencies) *ingest.Ingester {
	assetIDs := a.cfg.Ingest.AssetIDs
	if len(assetIDs) == 0 && deps.MarketStore != nil {
		assetIDs = a.watchAssetIDs(ctx, deps.MarketStore, a.cfg.Ingest.MaxAssets)
	}

	streamName := ""
	if deps.SignalBus != nil {
		streamName = streamLogName
	}

	ws := polymarket.NewWSClient(a.cfg.Polymarket.WsHost)
	ing := ingest.New(ws, deps.SignalBus, deps.Notifier, ingest.Config{
		AssetIDs:       assetIDs,
		LogCapacity:    a.cfg.Ingest.LogCapacity,
		ControlChannel: a.cfg.Ingest.ControlChannel,
		StreamName:     streamName,
	}, a.logger)

	g.Go(func() error {
		return ing.Run(ctx)
	})

	if deps.BlobWriter != nil && a.cfg.Ingest.ArchiveInterval.Duration > 0 {
		archiver := s3blob.NewStreamArchiver(
			deps.BlobWriter,
			deps.SignalBus,
			streamLogName,
			a.cfg.Ingest.ArchiveInterval.Duration,
			a.logger,
		)
		g.Go(func() error {
			return archiver.Run(ctx)
		})
	}

	return ing
}

// startHTTPServer builds the read API and adds the server plus a graceful
// shutdown watcher to the errgroup. sync and stream are optional; when nil
// the corresponding endpoints report unavailable.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	sync *pipeline.Synchronizer,
	stream *ingest.Ingester,
) {
	var marketSvc handler.MarketService
	var historySvc handler.HistoryService
	if deps.MarketStore != nil {
		marketSvc = service.NewMarketService(deps.MarketStore, deps.MarketCache, deps.Gamma, a.logger)
		historySvc = service.NewHistoryService(deps.MarketStore, deps.HistoryStore, deps.Clob, a.logger)
	}

	var syncCtl handler.SyncControl
	if sync != nil {
		syncCtl = sync
	}
	var streamState handler.StreamState
	if stream != nil {
		streamState = stream
	}
	var checkpoints handler.CheckpointReader
	if deps.CheckpointStore != nil {
		checkpoints = deps.CheckpointStore
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Markets: handler.NewMarketHandler(marketSvc, historySvc, a.logger),
		Stream:  handler.NewStreamHandler(streamState, a.logger),
		Sync:    handler.NewSyncHandler(syncCtl, checkpoints, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: server shutdown: %w", err)
		}
		return ctx.Err()
	})
}

// watchAssetIDs derives the WebSocket subscription list from active markets,
// deduplicated and capped at maxAssets token IDs.
func (a *App) watchAssetIDs(ctx context.Context, store domain.MarketStore, maxAssets int) []string {
	markets, err := store.ListActive(ctx, domain.ListOpts{Limit: 200})
	if err != nil {
		a.logger.WarnContext(ctx, "watch assets: list active failed", slog.String("error", err.Error()))
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, m := range markets {
		for _, tid := range m.TokenIDs {
			if tid == "" || seen[tid] {
				continue
			}
			seen[tid] = true
			ids = append(ids, tid)
			if len(ids) >= maxAssets {
				return ids
			}
		}
	}
	return ids
}
