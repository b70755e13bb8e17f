package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultAlphaVantageURL = "https://www.alphavantage.co/query"

var (
	ErrNoQuote       = errors.New("oracle: no quote in response")
	ErrUnknownSymbol = errors.New("oracle: no symbol for crop")
)

// Symbols maps crops to their Alpha Vantage tickers.
var Symbols = map[string]string{
	"corn":     "CORN",
	"wheat":    "WHEAT",
	"soybeans": "SOYBEAN",
	"coffee":   "COFFEE",
	"rice":     "RICE",
}

// AlphaVantage fetches GLOBAL_QUOTE prices.
type AlphaVantage struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAlphaVantage(baseURL, apiKey string, timeout time.Duration) *AlphaVantage {
	if baseURL == "" {
		baseURL = DefaultAlphaVantageURL
	}
	return &AlphaVantage{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type globalQuoteResponse struct {
	GlobalQuote struct {
		Price string `json:"05. price"`
	} `json:"Global Quote"`
}

func (a *AlphaVantage) Fetch(ctx context.Context, crop string) (decimal.Decimal, error) {
	symbol, ok := Symbols[crop]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, crop)
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: alpha vantage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle: alpha vantage status %d", resp.StatusCode)
	}

	var body globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode quote: %w", err)
	}
	if body.GlobalQuote.Price == "" {
		return decimal.Zero, ErrNoQuote
	}
	price, err := decimal.NewFromString(body.GlobalQuote.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: parse price %q: %w", body.GlobalQuote.Price, err)
	}
	return price.Round(2), nil
}
