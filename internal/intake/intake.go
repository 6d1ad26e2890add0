// Package intake is the boundary through which external signal producers
// open positions. It validates the request, suppresses idempotency-key
// replays, and hands the result to the engine, which applies its own
// per-asset duplicate policy on top.
package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"apexbt/internal/domain"
	"apexbt/internal/engine"
	"apexbt/internal/ports"
)

const defaultKeyTTL = 24 * time.Hour

// Opener is the slice of the engine the intake needs.
type Opener interface {
	OpenPosition(ctx context.Context, req engine.OpenRequest) (bool, error)
}

// SignalRequest is one buy signal from an external producer.
type SignalRequest struct {
	// IdempotencyKey lets producers retry safely; a replayed key is
	// acknowledged without opening anything. Optional.
	IdempotencyKey  string
	Ticker          string
	ContractAddress string
	Network         string
	SourceAgent     string
	EntryPrice      float64
	SizeUSD         float64
	Meta            domain.SignalMeta
}

// Intake accepts incoming buy signals.
type Intake struct {
	opener Opener
	logger ports.Logger
	keyTTL time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates an intake bound to the given opener.
func New(opener Opener, logger ports.Logger) (*Intake, error) {
	if opener == nil || logger == nil {
		return nil, fmt.Errorf("intake: opener and logger are required")
	}
	return &Intake{
		opener: opener,
		logger: logger,
		keyTTL: defaultKeyTTL,
		seen:   make(map[string]time.Time),
	}, nil
}

// HandleSignal processes one buy signal. It returns opened=false with a nil
// error for both replayed idempotency keys and the engine's own duplicate
// suppression; the producer cannot tell the two apart and does not need to.
func (i *Intake) HandleSignal(ctx context.Context, req SignalRequest) (bool, error) {
	if req.Ticker == "" || req.ContractAddress == "" {
		return false, fmt.Errorf("ticker and contract address are required: %w", ports.ErrInvalidRequest)
	}
	if req.EntryPrice <= 0 {
		return false, fmt.Errorf("entry price must be positive, got %v: %w", req.EntryPrice, ports.ErrInvalidRequest)
	}

	if req.IdempotencyKey != "" && !i.markKey(req.IdempotencyKey) {
		i.logger.Info(ctx, "Replayed signal suppressed", map[string]interface{}{
			"key": req.IdempotencyKey, "ticker": req.Ticker,
		})
		return false, nil
	}

	opened, err := i.opener.OpenPosition(ctx, engine.OpenRequest{
		Ticker:          req.Ticker,
		ContractAddress: req.ContractAddress,
		Network:         req.Network,
		SourceAgent:     req.SourceAgent,
		EntryPrice:      req.EntryPrice,
		SizeUSD:         req.SizeUSD,
		Meta:            req.Meta,
	})
	if err != nil && req.IdempotencyKey != "" {
		// The signal was not applied, so the producer may retry the key.
		i.forgetKey(req.IdempotencyKey)
	}
	return opened, err
}

// markKey records the key and reports whether it was new. Expired keys are
// pruned opportunistically on each call.
func (i *Intake) markKey(key string) bool {
	now := time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, at := range i.seen {
		if now.Sub(at) > i.keyTTL {
			delete(i.seen, k)
		}
	}
	if _, ok := i.seen[key]; ok {
		return false
	}
	i.seen[key] = now
	return true
}

func (i *Intake) forgetKey(key string) {
	i.mu.Lock()
	delete(i.seen, key)
	i.mu.Unlock()
}
