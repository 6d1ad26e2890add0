// Package dexscreener implements a PriceSource over the DexScreener REST
// API. The API has no batch endpoint, so lookups fan out per contract with
// bounded concurrency; individual misses produce a partial result rather
// than a batch failure.
package dexscreener

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://api.dexscreener.com"
	maxInFlight    = 4
)

// Client is a DexScreener API client implementing ports.PriceSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     ports.Logger
}

// Config holds configuration for the DexScreener client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Logger     ports.Logger
}

// New creates a DexScreener client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("dexscreener: rate limiter is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("dexscreener: logger is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, limiter: cfg.Limiter, logger: cfg.Logger}, nil
}

// Name identifies the source in logs.
func (c *Client) Name() string { return "dexscreener" }

// FetchPrices looks up each contract and keeps the most liquid matching
// pair. The batch fails only when every single lookup fails.
func (c *Client) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		quotes  []ports.PriceQuote
		failed  int
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			quote, err := c.fetchOne(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				c.logger.Warn(gctx, "DexScreener lookup failed", map[string]interface{}{
					"ticker": key.Ticker, "contract": key.ContractAddress, "error": err.Error(),
				})
				return nil // partial results are fine
			}
			if quote != nil {
				quotes = append(quotes, *quote)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dexscreener: batch canceled: %w", err)
	}
	if failed == len(keys) && lastErr != nil {
		return nil, fmt.Errorf("dexscreener: all %d lookups failed: %w", len(keys), lastErr)
	}
	return quotes, nil
}

// fetchOne returns nil, nil when the contract has no tradable pair.
func (c *Client) fetchOne(ctx context.Context, key ports.PriceKey) (*ports.PriceQuote, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	url := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, key.ContractAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (%d)", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	pairs := gjson.GetBytes(body, "pairs").Array()
	if len(pairs) == 0 {
		c.logger.Debug(ctx, "No pairs found on DexScreener", map[string]interface{}{"ticker": key.Ticker})
		return nil, nil
	}

	// Pick the pair with the highest 24h volume, then liquidity, among pairs
	// whose base token actually is this contract.
	var best gjson.Result
	var bestVolume, bestLiquidity float64
	found := false
	for _, pair := range pairs {
		base := pair.Get("baseToken.address").String()
		if !strings.EqualFold(base, key.ContractAddress) {
			continue
		}
		volume := pair.Get("volume.h24").Float()
		liquidity := pair.Get("liquidity.usd").Float()
		if !found || volume > bestVolume || (volume == bestVolume && liquidity > bestLiquidity) {
			best, bestVolume, bestLiquidity, found = pair, volume, liquidity, true
		}
	}
	if !found {
		return nil, nil
	}

	price := best.Get("priceUsd").Float()
	if price <= 0 {
		return nil, nil
	}
	return &ports.PriceQuote{
		ContractAddress: key.ContractAddress,
		Network:         key.Network,
		Price:           price,
		At:              time.Now().UTC(),
	}, nil
}
