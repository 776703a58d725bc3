package s3blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketmirror/marketmirror/internal/domain"
)

type fakeBus struct {
	msgs []domain.StreamMessage
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }
func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	f.msgs = append(f.msgs, domain.StreamMessage{
		ID:      strconv.Itoa(len(f.msgs)+1) + "-0",
		Payload: payload,
	})
	return nil
}

func (f *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range f.msgs {
		if lastID != "0" && m.ID <= lastID {
			continue
		}
		out = append(out, m)
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

type fakeWriter struct {
	puts map[string][]byte
	fail bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{puts: make(map[string][]byte)}
}

func (f *fakeWriter) Put(_ context.Context, path string, data []byte, _ string) error {
	if f.fail {
		return errors.New("upload failed")
	}
	f.puts[path] = append([]byte(nil), data...)
	return nil
}

func TestDrainUploadsSegmentAndAdvancesWatermark(t *testing.T) {
	bus := &fakeBus{}
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.StreamAppend(context.Background(), "log",
			[]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}

	writer := newFakeWriter()
	a := NewStreamArchiver(writer, bus, "log", time.Minute, slog.Default())

	require.NoError(t, a.Drain(context.Background()))
	require.Len(t, writer.puts, 1)

	for _, data := range writer.puts {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3)
		require.JSONEq(t, `{"seq":0}`, lines[0])
	}

	// Nothing new: no extra segment.
	require.NoError(t, a.Drain(context.Background()))
	require.Len(t, writer.puts, 1)

	// New messages produce a fresh segment with only the new content.
	require.NoError(t, bus.StreamAppend(context.Background(), "log", []byte(`{"seq":3}`)))
	require.NoError(t, a.Drain(context.Background()))
	require.Len(t, writer.puts, 2)
}

func TestDrainKeepsWatermarkOnUploadFailure(t *testing.T) {
	bus := &fakeBus{}
	require.NoError(t, bus.StreamAppend(context.Background(), "log", []byte(`{"seq":0}`)))

	writer := newFakeWriter()
	writer.fail = true
	a := NewStreamArchiver(writer, bus, "log", time.Minute, slog.Default())

	require.Error(t, a.Drain(context.Background()))

	// The message is re-drained once uploads recover.
	writer.fail = false
	require.NoError(t, a.Drain(context.Background()))
	require.Len(t, writer.puts, 1)
}
