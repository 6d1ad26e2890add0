// Package binanceprice implements a PriceSource over Binance spot tickers.
// It only resolves tokens that trade against USDT on the exchange, so it is
// typically wired as a fallback behind the on-chain sources.
package binanceprice

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"

	"github.com/adshao/go-binance/v2"
)

const quoteAsset = "USDT"

// Client implements ports.PriceSource using the Binance spot ticker feed.
type Client struct {
	client  *binance.Client
	limiter *ratelimit.Limiter
	logger  ports.Logger
}

// Config holds configuration for the Binance price client. Ticker prices are
// public market data, so API credentials are optional.
type Config struct {
	APIKey    string
	SecretKey string
	Limiter   *ratelimit.Limiter
	Logger    ports.Logger
}

// New creates a Binance price client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("binanceprice: rate limiter is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("binanceprice: logger is required")
	}
	return &Client{
		client:  binance.NewClient(cfg.APIKey, cfg.SecretKey),
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}, nil
}

// Name identifies the source in logs.
func (c *Client) Name() string { return "binance" }

// FetchPrices pulls the full spot ticker list once and indexes it by
// symbol, resolving each key as TICKER+USDT. Unlisted tickers are absent
// from the result (partial result semantics).
func (c *Client) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("binanceprice: rate limiter wait: %w", err)
	}

	prices, err := c.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binanceprice: ticker list failed: %w", err)
	}

	bySymbol := make(map[string]string, len(prices))
	for _, p := range prices {
		bySymbol[p.Symbol] = p.Price
	}

	now := time.Now().UTC()
	quotes := make([]ports.PriceQuote, 0, len(keys))
	for _, key := range keys {
		symbol := strings.ToUpper(key.Ticker) + quoteAsset
		raw, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price <= 0 {
			c.logger.Warn(ctx, "Unparseable Binance ticker price", map[string]interface{}{
				"symbol": symbol, "raw": raw,
			})
			continue
		}
		quotes = append(quotes, ports.PriceQuote{
			ContractAddress: key.ContractAddress,
			Network:         key.Network,
			Price:           price,
			At:              now,
		})
	}
	return quotes, nil
}
