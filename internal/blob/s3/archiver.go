package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// drainBatch is how many stream messages one StreamRead pulls at a time.
const drainBatch = 1000

// StreamArchiver drains the durable stream-log copy into immutable JSONL
// segments in object storage. The Redis stream is bounded and trims itself;
// the archiver's watermark (the last archived stream ID) ensures each
// message lands in exactly one segment as long as drains keep up with the
// trim horizon.
type StreamArchiver struct {
	writer   domain.BlobWriter
	bus      domain.SignalBus
	stream   string
	interval time.Duration
	logger   *slog.Logger

	lastID string
}

// NewStreamArchiver creates a StreamArchiver for the given stream.
func NewStreamArchiver(writer domain.BlobWriter, bus domain.SignalBus, stream string, interval time.Duration, logger *slog.Logger) *StreamArchiver {
	return &StreamArchiver{
		writer:   writer,
		bus:      bus,
		stream:   stream,
		interval: interval,
		logger:   logger.With(slog.String("component", "stream_archiver")),
		lastID:   "0",
	}
}

// Run drains the stream on the configured interval until ctx is cancelled.
// A final drain runs on shutdown so in-flight messages are not lost.
func (a *StreamArchiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := a.Drain(drainCtx); err != nil {
				a.logger.Error("final drain failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := a.Drain(ctx); err != nil {
				a.logger.ErrorContext(ctx, "drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Drain reads everything past the watermark and uploads it as one JSONL
// segment per call. The watermark only advances after a successful upload,
// so a failed upload re-drains the same messages next time.
func (a *StreamArchiver) Drain(ctx context.Context) error {
	var (
		buf   bytes.Buffer
		count int
		tail  = a.lastID
	)

	for {
		msgs, err := a.bus.StreamRead(ctx, a.stream, tail, drainBatch)
		if err != nil {
			return fmt.Errorf("s3blob: drain read after %s: %w", tail, err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			buf.Write(m.Payload)
			buf.WriteByte('\n')
		}
		count += len(msgs)
		tail = msgs[len(msgs)-1].ID
		if len(msgs) < drainBatch {
			break
		}
	}

	if count == 0 {
		return nil
	}

	path := segmentPath(a.stream, time.Now().UTC())
	if err := a.writer.Put(ctx, path, buf.Bytes(), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload segment %s: %w", path, err)
	}

	a.lastID = tail
	a.logger.InfoContext(ctx, "archived stream segment",
		slog.String("path", path),
		slog.Int("messages", count),
	)
	return nil
}

// segmentPath builds the object key for one segment, partitioned by day so
// downstream batch jobs can scan a date range cheaply.
func segmentPath(stream string, now time.Time) string {
	return fmt.Sprintf("stream/%s/%s/segment-%d.jsonl",
		stream, now.Format("2006-01-02"), now.UnixNano())
}
