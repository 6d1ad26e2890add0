// Package codex implements the batched GraphQL price source. It is the
// primary source: one getTokenPrices call covers every open position.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"
)

const defaultBaseURL = "https://graph.codex.io/graphql"

// Network IDs as used by the Codex GraphQL API.
var networkIDs = map[string]int{
	"ethereum": 1,
	"arbitrum": 42161,
	"base":     8453,
	"solana":   1399811149,
}

const priceQuery = `
query GetTokenPrices($inputs: [GetPriceInput!]!) {
	getTokenPrices(inputs: $inputs) {
		address
		networkId
		priceUsd
		confidence
		poolAddress
	}
}`

// Client is a Codex GraphQL API client implementing ports.PriceSource.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     ports.Logger
}

// Config holds configuration for the Codex client.
type Config struct {
	APIKey     string
	BaseURL    string // defaults to the public endpoint
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Logger     ports.Logger
}

// New creates a Codex client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("codex: API key is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("codex: rate limiter is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("codex: logger is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}, nil
}

// Name identifies the source in logs.
func (c *Client) Name() string { return "codex" }

type graphqlRequest struct {
	Query     string      `json:"query"`
	Variables interface{} `json:"variables"`
}

type priceInput struct {
	Address   string `json:"address"`
	NetworkID int    `json:"networkId"`
}

type priceResult struct {
	Address     string   `json:"address"`
	NetworkID   int      `json:"networkId"`
	PriceUSD    *float64 `json:"priceUsd"`
	Confidence  *float64 `json:"confidence"`
	PoolAddress string   `json:"poolAddress"`
}

type priceResponse struct {
	Data struct {
		GetTokenPrices []*priceResult `json:"getTokenPrices"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchPrices resolves current prices for the given keys in one batched
// GraphQL call. Keys on unsupported networks are skipped (partial result);
// transport and API errors fail the whole batch.
func (c *Client) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	inputs := make([]priceInput, 0, len(keys))
	networkByAddr := make(map[string]string, len(keys))
	for _, key := range keys {
		networkID, ok := networkIDs[strings.ToLower(key.Network)]
		if !ok {
			c.logger.Warn(ctx, "Unsupported network for codex, skipping", map[string]interface{}{
				"ticker": key.Ticker, "network": key.Network,
			})
			continue
		}
		inputs = append(inputs, priceInput{Address: key.ContractAddress, NetworkID: networkID})
		networkByAddr[strings.ToLower(key.ContractAddress)] = key.Network
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("codex: rate limiter wait: %w", err)
	}

	body, err := json.Marshal(graphqlRequest{Query: priceQuery, Variables: map[string]interface{}{"inputs": inputs}})
	if err != nil {
		return nil, fmt.Errorf("codex: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("codex: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("codex: %w", ports.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("codex: API error (%d): %s", resp.StatusCode, string(raw))
	}

	var decoded priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("codex: failed to decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("codex: GraphQL error: %s", decoded.Errors[0].Message)
	}

	now := time.Now().UTC()
	quotes := make([]ports.PriceQuote, 0, len(decoded.Data.GetTokenPrices))
	for _, pr := range decoded.Data.GetTokenPrices {
		// Null entries stand for contracts the API could not resolve.
		if pr == nil || pr.PriceUSD == nil || *pr.PriceUSD <= 0 {
			continue
		}
		quotes = append(quotes, ports.PriceQuote{
			ContractAddress: pr.Address,
			Network:         networkByAddr[strings.ToLower(pr.Address)],
			Price:           *pr.PriceUSD,
			At:              now,
		})
	}
	c.logger.Debug(ctx, "Codex prices fetched", map[string]interface{}{
		"requested": len(inputs), "resolved": len(quotes),
	})
	return quotes, nil
}
