// Package signalapi relays buy/sell events to the external trading signal
// service. The relay is fire-and-forget from the engine's point of view;
// delivery failures are reported but never retried here.
package signalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"
)

const defaultChannel = "trade_signals"

// Client is an authenticated client for the signal relay API, implementing
// ports.SignalDispatcher.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     ports.Logger

	mu    sync.Mutex
	token string
}

// Config holds configuration for the signal relay client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Logger     ports.Logger
}

// New creates a signal relay client. Authentication is lazy: the first
// dispatch logs in and caches the bearer token.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("signalapi: base URL and credentials are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("signalapi: rate limiter is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("signalapi: logger is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}, nil
}

// authenticate logs in with form credentials and caches the bearer token.
func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("signalapi: failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signalapi: auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("signalapi: auth failed (%d): %s: %w", resp.StatusCode, string(raw), ports.ErrAuthenticationFailed)
	}

	var decoded struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("signalapi: failed to decode auth response: %w", err)
	}
	if decoded.AccessToken == "" {
		return fmt.Errorf("signalapi: empty access token: %w", ports.ErrAuthenticationFailed)
	}

	c.mu.Lock()
	c.token = decoded.AccessToken
	c.mu.Unlock()
	c.logger.Info(ctx, "Signal relay authenticated")
	return nil
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Dispatch sends one buy/sell signal. A 401 triggers a single re-auth and
// retry; anything else fails the dispatch.
func (c *Client) Dispatch(ctx context.Context, sig ports.Signal) error {
	if c.bearer() == "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	payload := map[string]interface{}{
		"token":       sig.Ticker,
		"contract":    sig.ContractAddress,
		"entry_price": sig.Price,
		"chain":       strings.ToLower(sig.Network),
		"tx_type":     string(sig.Kind),
		"channel":     defaultChannel,
		"price":       sig.Price,
	}
	if sig.Source != "" {
		payload["signal_from"] = sig.Source
	}
	if sig.Meta.MarketCap > 0 {
		payload["market_cap"] = fmt.Sprintf("%.0f", sig.Meta.MarketCap)
	}
	if sig.Meta.SniffScore > 0 {
		payload["sniffscore"] = sig.Meta.SniffScore
	}
	if sig.Meta.HolderCount > 0 {
		payload["holder_count"] = sig.Meta.HolderCount
	}

	status, err := c.post(ctx, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.logger.Warn(ctx, "Signal relay token expired, re-authenticating")
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		if status, err = c.post(ctx, payload); err != nil {
			return err
		}
	}
	if status/100 != 2 {
		return fmt.Errorf("signalapi: dispatch for %s returned status %d: %w", sig.Ticker, status, ports.ErrDispatchFailed)
	}
	c.logger.Info(ctx, "Signal dispatched", map[string]interface{}{
		"kind": sig.Kind, "ticker": sig.Ticker, "price": sig.Price,
	})
	return nil
}

func (c *Client) post(ctx context.Context, payload map[string]interface{}) (int, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, fmt.Errorf("signalapi: rate limiter wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("signalapi: failed to encode signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signal", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("signalapi: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearer())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("signalapi: request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
