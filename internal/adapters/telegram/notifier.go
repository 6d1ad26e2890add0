// Package telegram pushes buy/sell notifications and periodic PNL summaries
// to a Telegram chat. Delivery is at-most-once: a failed send is logged by
// the caller and never retried, because notifications must not gate position
// state transitions.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"apexbt/internal/domain"
	"apexbt/internal/ports"
	"apexbt/internal/ratelimit"
)

const apiBase = "https://api.telegram.org"

// Notifier implements ports.SignalDispatcher and ports.ReportSink over the
// Telegram bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     ports.Logger
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	BotToken   string
	ChatID     string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Logger     ports.Logger
}

// New creates a Telegram notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram: bot token and chat ID are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("telegram: rate limiter is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("telegram: logger is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Notifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}, nil
}

// Dispatch sends a formatted buy/sell message.
func (n *Notifier) Dispatch(ctx context.Context, sig ports.Signal) error {
	var sb strings.Builder
	switch sig.Kind {
	case domain.SignalBuy:
		sb.WriteString("🟢 *BUY* ")
	case domain.SignalSell:
		sb.WriteString("🔴 *SELL* ")
	default:
		sb.WriteString("*SIGNAL* ")
	}
	sb.WriteString(fmt.Sprintf("$%s\n", strings.ToUpper(sig.Ticker)))
	sb.WriteString(fmt.Sprintf("Price: $%.8f\n", sig.Price))
	sb.WriteString(fmt.Sprintf("Chain: %s\n", sig.Network))
	if sig.Source != "" {
		sb.WriteString(fmt.Sprintf("Source: %s\n", sig.Source))
	}
	if sig.Meta.SniffScore > 0 {
		sb.WriteString(fmt.Sprintf("Sniff score: %.0f\n", sig.Meta.SniffScore))
	}
	sb.WriteString(fmt.Sprintf("Contract: `%s`", sig.ContractAddress))
	return n.sendText(ctx, sb.String())
}

// PublishSnapshot sends a compact PNL summary.
func (n *Notifier) PublishSnapshot(ctx context.Context, report *domain.PnlReport) error {
	var sb strings.Builder
	sb.WriteString("*Portfolio update*\n")
	for _, row := range report.Rows {
		if row.Status != domain.StatusOpen {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s %s: %+.2f%% ($%.2f)\n",
			row.SourceAgent, strings.ToUpper(row.Ticker), row.PriceChangePct, row.PnlUSD))
	}
	for _, agent := range report.AgentTotals {
		sb.WriteString(fmt.Sprintf("_%s_: $%.2f\n", agent.Agent, agent.PnlUSD))
	}
	sb.WriteString(fmt.Sprintf("*Total PNL: $%.2f*", report.GrandTotal.PnlUSD))
	return n.sendText(ctx, sb.String())
}

func (n *Notifier) sendText(ctx context.Context, text string) error {
	if err := n.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("telegram: rate limiter wait: %w", err)
	}

	payload := map[string]interface{}{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", apiBase, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram: send returned status %d: %w", resp.StatusCode, ports.ErrDispatchFailed)
	}
	return nil
}
