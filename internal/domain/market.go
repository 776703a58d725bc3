package domain

import "time"

// Market represents a Polymarket prediction market as mirrored from the
// Gamma catalog. Outcomes, TokenIDs, and OutcomePrices always have the same
// length and are positionally aligned; records that fail that invariant are
// rejected at the decode boundary and never reach the store.
type Market struct {
	Slug          string
	ConditionID   string
	Question      string
	Outcomes      []string
	TokenIDs      []string
	OutcomePrices []float64
	Volume        float64
	Liquidity     float64
	Active        bool
	Closed        bool
	EndDate       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PricePoint is one point of price history for a single outcome token.
// Rows are append-only per (MarketID, TokenID) and ordered by Timestamp.
type PricePoint struct {
	MarketID  string
	TokenID   string
	Timestamp time.Time
	Price     float64
}
