package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
	"github.com/marketmirror/marketmirror/internal/platform/polymarket"
)

const (
	// reconnectBase is the initial delay before a reconnect attempt; each
	// failure doubles it up to reconnectMax.
	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
)

// StreamSource is the feed connection the ingester reads from. A single
// source is reused across reconnects: Connect establishes a fresh
// connection after Read fails.
type StreamSource interface {
	Connect(ctx context.Context) error
	Subscribe(assetIDs []string) error
	Read() ([]byte, error)
	Close() error
}

// Notifier delivers operator notifications for stream lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the ingester tunables.
type Config struct {
	AssetIDs       []string
	LogCapacity    int
	ControlChannel string
	// StreamName is the durable stream that mirrors the in-memory log.
	// Empty disables the durable copy.
	StreamName string
}

// Ingester consumes the live feed into two in-memory structures: a
// latest-snapshot table keyed by market, and a bounded FIFO log of raw
// entries. Snapshot writes are gated by a per-market monotonic sequence;
// a message whose sequence is not greater than the stored one is discarded,
// so replays and reordered frames never regress state. Sequence gaps are
// tolerated.
//
// A pub/sub control channel pauses and resumes writes per market or
// globally. Signals are idempotent; a paused market's messages are dropped,
// not buffered.
type Ingester struct {
	source   StreamSource
	bus      domain.SignalBus
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]domain.BookSnapshot
	ring      *Ring
	pausedAll bool
	paused    map[string]bool
}

// New creates an Ingester. bus and notifier may be nil, which disables the
// control channel and the durable stream copy.
func New(source StreamSource, bus domain.SignalBus, notifier Notifier, cfg Config, logger *slog.Logger) *Ingester {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = 10000
	}
	return &Ingester{
		source:    source,
		bus:       bus,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ingester")),
		snapshots: make(map[string]domain.BookSnapshot),
		ring:      NewRing(cfg.LogCapacity),
		paused:    make(map[string]bool),
	}
}

// Run connects, subscribes, and consumes the feed until ctx is cancelled,
// reconnecting with doubling backoff on disconnect. The control listener
// runs for the whole lifetime, across reconnects.
func (in *Ingester) Run(ctx context.Context) error {
	if len(in.cfg.AssetIDs) == 0 {
		in.logger.Info("no assets to subscribe, ingester idle")
		<-ctx.Done()
		return ctx.Err()
	}

	if in.bus != nil && in.cfg.ControlChannel != "" {
		if err := in.listenControl(ctx); err != nil {
			return err
		}
	}

	defer in.source.Close()

	delay := reconnectBase
	connects := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := in.source.Connect(connCtx)
		cancel()
		if err == nil {
			err = in.source.Subscribe(in.cfg.AssetIDs)
		}

		if err == nil {
			connects++
			in.logger.InfoContext(ctx, "stream subscribed",
				slog.Int("assets", len(in.cfg.AssetIDs)))
			if connects > 1 {
				in.notify(ctx, "stream.reconnected", "Stream reconnected",
					"market data feed re-established")
			}
			delay = reconnectBase

			err = in.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		in.logger.WarnContext(ctx, "stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// readLoop consumes frames until the connection fails. Closing the source
// when ctx is cancelled unblocks the pending Read.
func (in *Ingester) readLoop(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = in.source.Close()
		case <-stop:
		}
	}()

	for {
		raw, err := in.source.Read()
		if err != nil {
			return err
		}
		in.Handle(raw)
	}
}

// Handle processes one raw frame. The feed delivers either a single event
// object or an array of events.
func (in *Ingester) Handle(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			in.logger.Warn("dropping malformed stream frame",
				slog.String("error", err.Error()))
			return
		}
		for _, e := range events {
			in.handleEvent(e)
		}
		return
	}
	in.handleEvent(raw)
}

func (in *Ingester) handleEvent(raw []byte) {
	var msg polymarket.WSBookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		in.logger.Warn("dropping malformed stream event",
			slog.String("error", err.Error()))
		return
	}
	if msg.AssetID == "" {
		in.logger.Warn("dropping stream event without asset id",
			slog.String("event_type", msg.EventType))
		return
	}

	snap := msg.ToDomainSnapshot()

	in.mu.Lock()
	if in.pausedAll || in.paused[snap.MarketID] {
		in.mu.Unlock()
		return
	}

	if msg.EventType == "book" {
		if prev, ok := in.snapshots[snap.MarketID]; ok && snap.Seq <= prev.Seq {
			in.mu.Unlock()
			return
		}
		in.snapshots[snap.MarketID] = snap
	}

	entry := domain.StreamEntry{
		MarketID:   snap.MarketID,
		Payload:    raw,
		Seq:        snap.Seq,
		ReceivedAt: snap.ReceivedAt,
	}
	in.ring.Append(entry)
	in.mu.Unlock()

	if in.bus != nil && in.cfg.StreamName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := in.bus.StreamAppend(ctx, in.cfg.StreamName, raw); err != nil {
			in.logger.Warn("durable stream append failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// listenControl subscribes to the control channel and applies pause/resume
// signals until ctx is cancelled.
func (in *Ingester) listenControl(ctx context.Context) error {
	ch, err := in.bus.Subscribe(ctx, in.cfg.ControlChannel)
	if err != nil {
		return err
	}

	go func() {
		for payload := range ch {
			var sig domain.ControlSignal
			if err := json.Unmarshal(payload, &sig); err != nil {
				in.logger.Warn("dropping malformed control signal",
					slog.String("error", err.Error()))
				continue
			}
			in.ApplyControl(sig)
		}
	}()
	return nil
}

// ApplyControl applies one pause/resume signal. Signals are idempotent:
// re-applying the current state is a no-op. Resuming all clears every
// per-market pause as well.
func (in *Ingester) ApplyControl(sig domain.ControlSignal) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch sig.Action {
	case domain.ControlActionPause:
		if sig.Scope == domain.ControlScopeAll {
			in.pausedAll = true
		} else {
			in.paused[sig.Scope] = true
		}
	case domain.ControlActionResume:
		if sig.Scope == domain.ControlScopeAll {
			in.pausedAll = false
			in.paused = make(map[string]bool)
		} else {
			delete(in.paused, sig.Scope)
		}
	default:
		in.logger.Warn("dropping control signal with unknown action",
			slog.String("action", string(sig.Action)))
		return
	}

	in.logger.Info("control signal applied",
		slog.String("action", string(sig.Action)),
		slog.String("scope", sig.Scope),
	)
}

// Snapshot returns the latest book snapshot for a market.
func (in *Ingester) Snapshot(marketID string) (domain.BookSnapshot, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	snap, ok := in.snapshots[marketID]
	return snap, ok
}

// LogSince returns stream entries with sequence strictly greater than seq,
// oldest first, capped at limit when limit is positive.
func (in *Ingester) LogSince(seq uint64, limit int) []domain.StreamEntry {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ring.Since(seq, limit)
}

// LogLen returns the number of entries currently in the stream log.
func (in *Ingester) LogLen() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ring.Len()
}

// Paused reports whether writes for the given market are currently paused.
func (in *Ingester) Paused(marketID string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.pausedAll || in.paused[marketID]
}

func (in *Ingester) notify(ctx context.Context, event, title, message string) {
	if in.notifier == nil {
		return
	}
	if err := in.notifier.Notify(ctx, event, title, message); err != nil {
		in.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
