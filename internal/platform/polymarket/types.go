// Package polymarket provides REST and WebSocket clients for the public
// Polymarket APIs: the Gamma catalog, the CLOB price-history endpoint, and
// the CLOB market data feed.
package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether a flag is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from JSON number or numeric string. The Gamma API
// sends volume and liquidity either way depending on the endpoint.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes, OutcomePrices, and ClobTokenIDs arrive as JSON-encoded string
// arrays embedded in strings, e.g. "[\"Yes\",\"No\"]".
type APIMarket struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	ConditionID   string    `json:"conditionId"`
	Slug          string    `json:"slug"`
	Outcomes      string    `json:"outcomes"`
	OutcomePrices string    `json:"outcomePrices"`
	ClobTokenIDs  string    `json:"clobTokenIds"`
	Volume        flexFloat `json:"volume"`
	Liquidity     flexFloat `json:"liquidity"`
	Active        flexBool  `json:"active"`
	Closed        flexBool  `json:"closed"`
	EndDate       string    `json:"endDate"`
	CreatedAt     string    `json:"createdAt"`
	UpdatedAt     string    `json:"updatedAt"`
}

// decodeStringArray parses a JSON-encoded string array like
// "[\"Yes\",\"No\"]". An empty input decodes to nil.
func decodeStringArray(encoded string) ([]string, error) {
	if encoded == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFloatArray parses a JSON-encoded array of numeric strings like
// "[\"0.52\",\"0.48\"]".
func decodeFloatArray(encoded string) ([]float64, error) {
	strs, err := decodeStringArray(encoded)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(strs))
	for _, s := range strs {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. It returns
// an error wrapping domain.ErrMalformedRecord when required identity fields
// are missing or the outcome arrays fail to decode or disagree in length,
// so callers can skip the record without aborting the whole page.
func (m *APIMarket) ToDomainMarket() (domain.Market, error) {
	if m.ConditionID == "" || m.Slug == "" {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s missing identity: %w",
			m.ID, domain.ErrMalformedRecord)
	}

	outcomes, err := decodeStringArray(m.Outcomes)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s outcomes: %v: %w",
			m.ConditionID, err, domain.ErrMalformedRecord)
	}
	tokenIDs, err := decodeStringArray(m.ClobTokenIDs)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s token ids: %v: %w",
			m.ConditionID, err, domain.ErrMalformedRecord)
	}
	prices, err := decodeFloatArray(m.OutcomePrices)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s outcome prices: %v: %w",
			m.ConditionID, err, domain.ErrMalformedRecord)
	}

	if len(outcomes) == 0 || len(outcomes) != len(tokenIDs) || len(outcomes) != len(prices) {
		return domain.Market{}, fmt.Errorf(
			"polymarket/gamma: market %s outcome arrays misaligned (%d/%d/%d): %w",
			m.ConditionID, len(outcomes), len(tokenIDs), len(prices), domain.ErrMalformedRecord)
	}

	dm := domain.Market{
		Slug:          m.Slug,
		ConditionID:   m.ConditionID,
		Question:      m.Question,
		Outcomes:      outcomes,
		TokenIDs:      tokenIDs,
		OutcomePrices: prices,
		Volume:        float64(m.Volume),
		Liquidity:     float64(m.Liquidity),
		Active:        bool(m.Active),
		Closed:        bool(m.Closed),
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			dm.EndDate = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}

	return dm, nil
}

// --------------------------------------------------------------------------
// CLOB price-history DTOs
// --------------------------------------------------------------------------

// APIPriceHistory is the response from the CLOB /prices-history endpoint.
type APIPriceHistory struct {
	History []APIPricePoint `json:"history"`
}

// APIPricePoint is one historical price sample: t is unix seconds.
type APIPricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the subscription payload sent on the market data feed.
type WSCommand struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookMessage represents a full orderbook snapshot delivered over the feed.
type WSBookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// ToDomainSnapshot converts a WSBookMessage to a domain.BookSnapshot. The
// feed timestamp (milliseconds) doubles as the gap-tolerant sequence number;
// snapshots for the same market at the same millisecond collapse to one.
func (b *WSBookMessage) ToDomainSnapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		MarketID:   b.AssetID,
		ReceivedAt: time.Now().UTC(),
	}

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: p, Size: s})
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: p, Size: s})
	}

	if ts, err := strconv.ParseUint(b.Timestamp, 10, 64); err == nil {
		snap.Seq = ts
	}

	return snap
}
