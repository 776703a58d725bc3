package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketmirror/marketmirror/internal/domain"
)

func bookFrame(assetID string, seq uint64, bid, ask string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_type":"book","asset_id":"%s","market":"0xmkt","bids":[{"price":"%s","size":"100"}],"asks":[{"price":"%s","size":"80"}],"timestamp":"%d"}`,
		assetID, bid, ask, seq))
}

func newTestIngester(capacity int) *Ingester {
	return New(nil, nil, nil, Config{
		AssetIDs:    []string{"tok-a", "tok-b"},
		LogCapacity: capacity,
	}, slog.Default())
}

func TestIngesterUpdatesSnapshot(t *testing.T) {
	in := newTestIngester(100)

	in.Handle(bookFrame("tok-a", 1000, "0.51", "0.53"))

	snap, ok := in.Snapshot("tok-a")
	require.True(t, ok)
	require.EqualValues(t, 1000, snap.Seq)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, 0.51, snap.Bids[0].Price)
	require.Equal(t, 1, in.LogLen())
}

func TestIngesterDiscardsStaleSequence(t *testing.T) {
	in := newTestIngester(100)

	in.Handle(bookFrame("tok-a", 1000, "0.51", "0.53"))
	in.Handle(bookFrame("tok-a", 999, "0.40", "0.60"))  // older, dropped
	in.Handle(bookFrame("tok-a", 1000, "0.40", "0.60")) // duplicate, dropped

	snap, ok := in.Snapshot("tok-a")
	require.True(t, ok)
	require.EqualValues(t, 1000, snap.Seq)
	require.Equal(t, 0.51, snap.Bids[0].Price)
	require.Equal(t, 1, in.LogLen())
}

func TestIngesterToleratesSequenceGaps(t *testing.T) {
	in := newTestIngester(100)

	in.Handle(bookFrame("tok-a", 1000, "0.51", "0.53"))
	in.Handle(bookFrame("tok-a", 5000, "0.55", "0.57"))

	snap, ok := in.Snapshot("tok-a")
	require.True(t, ok)
	require.EqualValues(t, 5000, snap.Seq)
	require.Equal(t, 0.55, snap.Bids[0].Price)
}

func TestIngesterSequenceIsPerMarket(t *testing.T) {
	in := newTestIngester(100)

	in.Handle(bookFrame("tok-a", 2000, "0.51", "0.53"))
	in.Handle(bookFrame("tok-b", 1000, "0.30", "0.35"))

	snapB, ok := in.Snapshot("tok-b")
	require.True(t, ok)
	require.EqualValues(t, 1000, snapB.Seq)
}

func TestIngesterLogIsBounded(t *testing.T) {
	const capacity = 50
	in := newTestIngester(capacity)

	for seq := uint64(1); seq <= 3*capacity; seq++ {
		in.Handle(bookFrame("tok-a", seq, "0.50", "0.52"))
	}

	require.Equal(t, capacity, in.LogLen())

	// Oldest entries were evicted; the survivors are the newest, in order.
	entries := in.LogSince(0, 0)
	require.Len(t, entries, capacity)
	require.EqualValues(t, 2*capacity+1, entries[0].Seq)
	require.EqualValues(t, 3*capacity, entries[len(entries)-1].Seq)
}

func TestIngesterLogSince(t *testing.T) {
	in := newTestIngester(100)
	for seq := uint64(1); seq <= 10; seq++ {
		in.Handle(bookFrame("tok-a", seq, "0.50", "0.52"))
	}

	entries := in.LogSince(7, 0)
	require.Len(t, entries, 3)
	require.EqualValues(t, 8, entries[0].Seq)

	entries = in.LogSince(7, 2)
	require.Len(t, entries, 2)

	require.Empty(t, in.LogSince(10, 0))
}

func TestIngesterPauseDropsWrites(t *testing.T) {
	in := newTestIngester(100)

	in.Handle(bookFrame("tok-a", 1, "0.50", "0.52"))
	in.ApplyControl(domain.ControlSignal{Action: domain.ControlActionPause, Scope: "tok-a"})
	require.True(t, in.Paused("tok-a"))
	require.False(t, in.Paused("tok-b"))

	// Dropped while paused, not buffered.
	in.Handle(bookFrame("tok-a", 2, "0.60", "0.62"))
	snap, _ := in.Snapshot("tok-a")
	require.EqualValues(t, 1, snap.Seq)
	require.Equal(t, 1, in.LogLen())

	// Other markets are unaffected.
	in.Handle(bookFrame("tok-b", 1, "0.30", "0.32"))
	_, ok := in.Snapshot("tok-b")
	require.True(t, ok)

	in.ApplyControl(domain.ControlSignal{Action: domain.ControlActionResume, Scope: "tok-a"})
	in.Handle(bookFrame("tok-a", 3, "0.70", "0.72"))
	snap, _ = in.Snapshot("tok-a")
	require.EqualValues(t, 3, snap.Seq)
}

func TestIngesterPauseAllAndResumeAll(t *testing.T) {
	in := newTestIngester(100)

	in.ApplyControl(domain.ControlSignal{Action: domain.ControlActionPause, Scope: "tok-a"})
	in.ApplyControl(domain.ControlSignal{Action: domain.ControlActionPause, Scope: domain.ControlScopeAll})
	require.True(t, in.Paused("tok-a"))
	require.True(t, in.Paused("tok-b"))

	in.Handle(bookFrame("tok-b", 1, "0.30", "0.32"))
	_, ok := in.Snapshot("tok-b")
	require.False(t, ok)

	// Resuming all clears per-market pauses too.
	in.ApplyControl(domain.ControlSignal{Action: domain.ControlActionResume, Scope: domain.ControlScopeAll})
	require.False(t, in.Paused("tok-a"))
	require.False(t, in.Paused("tok-b"))
}

func TestIngesterControlIsIdempotent(t *testing.T) {
	in := newTestIngester(100)

	pause := domain.ControlSignal{Action: domain.ControlActionPause, Scope: "tok-a"}
	in.ApplyControl(pause)
	in.ApplyControl(pause)
	require.True(t, in.Paused("tok-a"))

	resume := domain.ControlSignal{Action: domain.ControlActionResume, Scope: "tok-a"}
	in.ApplyControl(resume)
	in.ApplyControl(resume)
	require.False(t, in.Paused("tok-a"))
}

// captureHandler records warning messages for log assertions.
type captureHandler struct {
	mu    sync.Mutex
	warns []string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Level >= slog.LevelWarn {
		h.warns = append(h.warns, r.Message)
	}
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestIngesterDropsAndLogsMalformedFrames(t *testing.T) {
	logs := &captureHandler{}
	in := New(nil, nil, nil, Config{
		AssetIDs:    []string{"tok-a"},
		LogCapacity: 100,
	}, slog.New(logs))

	in.Handle([]byte(`not json`))
	in.Handle([]byte(`[not json`))
	in.Handle([]byte(`{"event_type":"book"}`)) // no asset id
	in.Handle(nil)

	require.Equal(t, 0, in.LogLen())

	// Every dropped frame leaves a trace; only the empty frame is silent.
	logs.mu.Lock()
	defer logs.mu.Unlock()
	require.Len(t, logs.warns, 3)
}

func TestIngesterHandlesEventArrays(t *testing.T) {
	in := newTestIngester(100)

	frame := []byte(fmt.Sprintf("[%s,%s]",
		bookFrame("tok-a", 1, "0.50", "0.52"),
		bookFrame("tok-b", 1, "0.30", "0.32")))
	in.Handle(frame)

	_, okA := in.Snapshot("tok-a")
	_, okB := in.Snapshot("tok-b")
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, 2, in.LogLen())
}

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.Append(domain.StreamEntry{Seq: seq})
	}

	require.Equal(t, 3, r.Len())
	require.Equal(t, 3, r.Cap())
	entries := r.Entries()
	require.EqualValues(t, 3, entries[0].Seq)
	require.EqualValues(t, 5, entries[2].Seq)
}
