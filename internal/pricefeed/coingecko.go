package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	userAgent           = "CryptoWatcher/1.0"
	maxErrorBody        = 256
)

type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string // optional demo key
	Timeout time.Duration
}

// CoinGecko fetches USD spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	client  *resty.Client
	symbols *SymbolMap
}

func NewCoinGecko(cfg CoinGeckoConfig, symbols *SymbolMap) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCoinGeckoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if symbols == nil {
		symbols = DefaultSymbolMap()
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)
	if cfg.APIKey != "" {
		client.SetHeader("x-cg-demo-api-key", cfg.APIKey)
	}

	return &CoinGecko{client: client, symbols: symbols}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id := c.symbols.Lookup(symbol)

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           id,
			"vs_currencies": "usd",
		}).
		Get("/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko request %s: %w", id, err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return decimal.Zero, &StatusError{Code: resp.StatusCode(), Body: body}
	}

	var payload map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko decode %s: %w: %v", id, ErrPriceNotFound, err)
	}
	price, ok := payload[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko %s: %w", id, ErrPriceNotFound)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("coingecko %s: non-positive price %s: %w", id, price, ErrPriceNotFound)
	}
	return price, nil
}
