package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB API. Only the
// public prices-history endpoint is used; it backs the lazy-loaded price
// history in the lookup service.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewClobClient creates a new CLOB API client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL string) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetPriceHistory returns historical price samples for one outcome token in
// the [from, to] window. Points come back in ascending time order.
func (c *ClobClient) GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	params.Set("startTs", strconv.FormatInt(from.Unix(), 10))
	params.Set("endTs", strconv.FormatInt(to.Unix(), 10))

	body, err := c.doGet(ctx, "/prices-history?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: price history %s: %w", tokenID, err)
	}

	var resp APIPriceHistory
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode price history: %w", err)
	}

	points := make([]domain.PricePoint, 0, len(resp.History))
	for _, p := range resp.History {
		points = append(points, domain.PricePoint{
			TokenID:   tokenID,
			Timestamp: time.Unix(p.T, 0).UTC(),
			Price:     p.P,
		})
	}
	return points, nil
}

// doGet sends an unauthenticated GET request to the CLOB API.
func (c *ClobClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
