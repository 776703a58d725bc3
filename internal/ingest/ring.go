// Package ingest consumes the live market data feed into an in-memory
// latest-snapshot table and a bounded stream log.
package ingest

import "github.com/marketmirror/marketmirror/internal/domain"

// Ring is a fixed-capacity FIFO log of stream entries. Appending to a full
// ring evicts the oldest entry, so memory stays bounded no matter how long
// the feed runs. It is not safe for concurrent use; the Ingester serializes
// access under its own lock.
type Ring struct {
	buf   []domain.StreamEntry
	start int
	size  int
}

// NewRing creates a ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]domain.StreamEntry, capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (r *Ring) Append(e domain.StreamEntry) {
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = e
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// Len returns the number of entries currently held.
func (r *Ring) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Entries returns the held entries oldest first.
func (r *Ring) Entries() []domain.StreamEntry {
	out := make([]domain.StreamEntry, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Since returns entries with Seq strictly greater than seq, oldest first,
// capped at limit when limit is positive.
func (r *Ring) Since(seq uint64, limit int) []domain.StreamEntry {
	var out []domain.StreamEntry
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
