package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market metadata lookups keyed by slug.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, slug string) (Market, error)
	Invalidate(ctx context.Context, slug string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire attempts to obtain the lock for key with the given TTL. On
	// success it returns an unlock function; it returns ErrLockHeld when the
	// lock is already held by another party.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is a single entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides fire-and-forget pub/sub broadcast plus durable,
// bounded, ordered streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads immutable objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
