package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultFetchTimeout bounds a single ticker request.
const DefaultFetchTimeout = 30 * time.Second

// RateFetcher loads the current price of one bitcoin in a fiat currency.
type RateFetcher interface {
	FetchRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// tickerResponse is keyed by exchange name.
type tickerResponse map[string]struct {
	Rates struct {
		Last float64 `json:"last"`
	} `json:"rates"`
}

// TickerClient reads the last trade price of one exchange from a ticker API.
type TickerClient struct {
	baseURL  string
	exchange string
	client   *http.Client
}

func NewTickerClient(baseURL, exchange string, timeout time.Duration) *TickerClient {
	return &TickerClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		exchange: strings.ToLower(exchange),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchRate returns the price truncated to 4 decimals.
func (c *TickerClient) FetchRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, strings.ToUpper(currency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build ticker request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch ticker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode ticker response: %w", err)
	}

	market, ok := ticker[c.exchange]
	if !ok {
		return decimal.Zero, fmt.Errorf("exchange %s missing from ticker response", c.exchange)
	}
	if market.Rates.Last <= 0 {
		return decimal.Zero, fmt.Errorf("exchange %s reported non-positive price %v", c.exchange, market.Rates.Last)
	}

	return decimal.NewFromFloat(market.Rates.Last).Truncate(4), nil
}
