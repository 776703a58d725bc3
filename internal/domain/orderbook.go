package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is the latest known orderbook state for one market token.
// Seq is monotonic per market but gap-tolerant: the ingester only requires
// that it increase, and discards messages with Seq <= the stored value.
type BookSnapshot struct {
	MarketID   string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Seq        uint64
	ReceivedAt time.Time
}

// StreamEntry is an immutable envelope appended to the bounded stream log.
// Payload holds the normalized message as JSON.
type StreamEntry struct {
	MarketID   string
	Payload    []byte
	Seq        uint64
	ReceivedAt time.Time
}
