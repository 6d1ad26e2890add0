// Package engine holds the position tracking and risk-management core: the
// canonical in-memory set of open positions, the recurring evaluation cycle
// that maintains each position's all-time-high and trailing stop-loss, and
// the only code path allowed to transition a position between Open and
// Closed.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"apexbt/internal/domain"
	"apexbt/internal/ports"
	"apexbt/internal/stats"
)

const dispatchTimeout = 15 * time.Second

// Config holds the engine's tunables. StopLossFactor and the polling
// interval are deployment decisions, not constants.
type Config struct {
	// StopLossFactor derives the trailing stop from the high-water-mark:
	// stop = ATH * factor. Must be strictly between 0 and 1 (e.g. 0.95).
	StopLossFactor float64
	// PositionSizeUSD is the fixed notional for new positions when the
	// intake request does not specify one (e.g. 100).
	PositionSizeUSD float64
	// Interval between evaluation cycles.
	Interval time.Duration
	// FailureAlertThreshold is the number of consecutive failed cycles
	// after which the engine escalates from Warn to Error logging.
	FailureAlertThreshold int
}

// Engine is the position tracking and risk-management core.
type Engine struct {
	cfg        Config
	logger     ports.Logger
	repo       ports.PositionRepository
	prices     ports.PriceSource
	dispatcher ports.SignalDispatcher
	sinks      []ports.ReportSink

	// mu protects the open set. Network I/O never happens under it: cycles
	// take a snapshot, do their fetching, and re-acquire only to apply.
	mu   sync.Mutex
	open map[string]*domain.Position

	reportMu   sync.RWMutex
	lastReport *domain.PnlReport
}

// OpenRequest carries the parameters of a new position from the intake
// boundary.
type OpenRequest struct {
	Ticker          string
	ContractAddress string
	Network         string
	EntryPrice      float64
	SourceAgent     string
	EntryTime       time.Time // zero value defaults to now
	SizeUSD         float64   // zero value defaults to Config.PositionSizeUSD
	Meta            domain.SignalMeta
}

// New creates an engine instance. Dependencies are validated up front so a
// misconfigured deployment fails at startup, not mid-cycle.
func New(cfg Config, logger ports.Logger, repo ports.PositionRepository, prices ports.PriceSource,
	dispatcher ports.SignalDispatcher, sinks ...ports.ReportSink) (*Engine, error) {

	if logger == nil || repo == nil || prices == nil || dispatcher == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if cfg.StopLossFactor <= 0 || cfg.StopLossFactor >= 1 {
		return nil, fmt.Errorf("StopLossFactor must be between 0 and 1 (exclusive), got %v", cfg.StopLossFactor)
	}
	if cfg.PositionSizeUSD <= 0 {
		return nil, fmt.Errorf("PositionSizeUSD must be positive, got %v", cfg.PositionSizeUSD)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("Interval must be positive, got %v", cfg.Interval)
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 3
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		prices:     prices,
		dispatcher: dispatcher,
		sinks:      sinks,
		open:       make(map[string]*domain.Position),
	}, nil
}

// Init loads every persisted Open position into memory. This is the only
// load path; afterwards the in-memory set is the source of truth until
// process restart.
func (e *Engine) Init(ctx context.Context) error {
	positions, err := e.repo.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}

	e.mu.Lock()
	for _, pos := range positions {
		e.open[pos.Key()] = pos
	}
	count := len(e.open)
	e.mu.Unlock()

	metricOpenPositions.Set(float64(count))
	e.logger.Info(ctx, "Loaded active positions", map[string]interface{}{"count": count})
	return nil
}

// OpenPosition opens a tracked position for the given asset. It returns
// ok=false with a nil error when an Open position already exists for the
// (ticker, contract) pair: duplicate suppression is policy, not a failure.
// Persistence is the commit point; on an insert error the in-memory set is
// left untouched.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (bool, error) {
	sizeUSD := req.SizeUSD
	if sizeUSD == 0 {
		sizeUSD = e.cfg.PositionSizeUSD
	}
	pos, err := domain.NewPosition(domain.NewPositionParams{
		Ticker:          req.Ticker,
		ContractAddress: req.ContractAddress,
		Network:         req.Network,
		SourceAgent:     req.SourceAgent,
		EntryPrice:      req.EntryPrice,
		EntryTime:       req.EntryTime,
		PositionSizeUSD: sizeUSD,
		Meta:            req.Meta,
	}, e.cfg.StopLossFactor)
	if err != nil {
		return false, fmt.Errorf("invalid open request: %w: %w", ports.ErrInvalidRequest, err)
	}

	key := pos.Key()
	e.mu.Lock()
	if _, exists := e.open[key]; exists {
		e.mu.Unlock()
		e.logger.Warn(ctx, "Position already open, skipping", map[string]interface{}{
			"ticker": req.Ticker, "contract": req.ContractAddress,
		})
		return false, nil
	}
	e.mu.Unlock()

	// Insert outside the lock; a concurrent duplicate is caught by the
	// repository's unique open-key constraint.
	if err := e.repo.InsertPosition(ctx, pos); err != nil {
		return false, fmt.Errorf("failed to persist position for %s: %w", req.Ticker, err)
	}

	e.mu.Lock()
	if _, exists := e.open[key]; exists {
		// Lost a race after insert; the persisted row belongs to the winner.
		e.mu.Unlock()
		return false, nil
	}
	e.open[key] = pos
	count := len(e.open)
	e.mu.Unlock()

	metricOpenPositions.Set(float64(count))
	e.logger.Info(ctx, "Position opened", map[string]interface{}{
		"tradeID": pos.TradeID, "ticker": pos.Ticker, "entryPrice": pos.EntryPrice,
		"stopLoss": pos.StopLossPrice, "source": pos.SourceAgent,
	})

	e.dispatchAsync(ctx, ports.Signal{
		Kind:            domain.SignalBuy,
		Ticker:          pos.Ticker,
		ContractAddress: pos.ContractAddress,
		Network:         pos.Network,
		Price:           pos.EntryPrice,
		Source:          pos.SourceAgent,
		Meta:            pos.Meta,
	})
	return true, nil
}

// ExitPosition closes an open position at the given price. It returns
// ok=false with a nil error when the position is not open (or was closed by
// a concurrent path first): the optimistic persistence predicate guarantees
// exactly one close and exactly one sell dispatch per position.
func (e *Engine) ExitPosition(ctx context.Context, ticker, contractAddress string, exitPrice float64, reason domain.ExitReason) (bool, error) {
	key := domain.PositionKey(ticker, contractAddress)

	e.mu.Lock()
	pos, exists := e.open[key]
	if !exists {
		e.mu.Unlock()
		return false, nil
	}
	closing := *pos
	e.mu.Unlock()

	if closing.ATHPrice < closing.EntryPrice {
		// Broken invariant; refuse to act on corrupt state.
		err := fmt.Errorf("position %s has ATH %v below entry %v", closing.TradeID, closing.ATHPrice, closing.EntryPrice)
		e.logger.Error(ctx, err, "Invariant violation detected")
		return false, err
	}

	closing.Close(exitPrice, time.Now(), reason)

	matched, err := e.repo.CloseOpenPosition(ctx, &closing)
	if err != nil {
		// In-memory state is untouched; the position stays open and the
		// next cycle retries the exit.
		return false, fmt.Errorf("failed to persist close for %s: %w", ticker, err)
	}

	e.mu.Lock()
	delete(e.open, key)
	count := len(e.open)
	e.mu.Unlock()
	metricOpenPositions.Set(float64(count))

	if !matched {
		// Another path closed the row first; dropping the stale in-memory
		// entry is all that was left to do.
		e.logger.Warn(ctx, "Position already closed elsewhere", map[string]interface{}{
			"ticker": ticker, "contract": contractAddress,
		})
		return false, nil
	}

	metricExits.WithLabelValues(string(reason)).Inc()
	e.logger.Info(ctx, "Position closed", map[string]interface{}{
		"tradeID": closing.TradeID, "ticker": closing.Ticker, "exitPrice": exitPrice,
		"reason": reason, "pnlPct": closing.PnlPercentage, "pnlUSD": closing.PnlAmount,
		"maxDrawdownPct": closing.MaxDrawdownPct, "maxProfitPct": closing.MaxProfitPct,
		"duration": closing.Duration(time.Now()).Round(time.Second).String(),
	})

	e.dispatchAsync(ctx, ports.Signal{
		Kind:            domain.SignalSell,
		Ticker:          closing.Ticker,
		ContractAddress: closing.ContractAddress,
		Network:         closing.Network,
		Price:           exitPrice,
		Source:          closing.SourceAgent,
		Meta:            closing.Meta,
	})
	return true, nil
}

// EvaluateCycle runs one risk evaluation pass: snapshot the open set, fetch
// a batched price set, check stop-losses (which take priority over ATH
// updates), apply ATH raises, process queued exits, and rebuild the PNL
// snapshot. A failed batch fetch aborts the cycle with no mutation at all.
func (e *Engine) EvaluateCycle(ctx context.Context) error {
	now := time.Now().UTC()

	e.mu.Lock()
	snapshot := make([]domain.Position, 0, len(e.open))
	for _, pos := range e.open {
		snapshot = append(snapshot, *pos)
	}
	e.mu.Unlock()

	var priceByKey map[string]ports.PriceQuote
	if len(snapshot) > 0 {
		keys := distinctKeys(snapshot)
		quotes, err := e.prices.FetchPrices(ctx, keys)
		if err != nil {
			// Primary failure-isolation boundary: nothing is mutated and
			// the snapshot rebuild is skipped entirely for this cycle.
			return fmt.Errorf("batched price fetch failed: %w", err)
		}
		priceByKey = make(map[string]ports.PriceQuote, len(quotes))
		for _, q := range quotes {
			priceByKey[quoteKey(q.ContractAddress, q.Network)] = q
		}
	}

	type exitItem struct {
		pos   domain.Position
		price float64
	}
	type athItem struct {
		key   string
		price float64
		at    time.Time
	}
	var exits []exitItem
	var raises []athItem
	evals := make([]stats.OpenEval, 0, len(snapshot))

	for _, pos := range snapshot {
		quote, ok := priceByKey[quoteKey(pos.ContractAddress, pos.Network)]
		if !ok {
			// Transient data gap: leave the position untouched and report
			// it with its last-known values.
			e.logger.Debug(ctx, "No price this cycle", map[string]interface{}{"ticker": pos.Ticker})
			evals = append(evals, stats.OpenEval{Pos: pos, Priced: false})
			continue
		}
		price := quote.Price

		// Stop-loss check first. An exiting position keeps the ATH it had
		// when the stop was derived, for audit purposes.
		if price <= pos.StopLossPrice {
			exits = append(exits, exitItem{pos: pos, price: price})
			evals = append(evals, stats.OpenEval{Pos: pos, CurrentPrice: price, Priced: true})
			continue
		}
		if price > pos.ATHPrice {
			raises = append(raises, athItem{key: pos.Key(), price: price, at: quote.At})
		}
		evals = append(evals, stats.OpenEval{Pos: pos, CurrentPrice: price, Priced: true})
	}

	// Apply ATH raises to the live set, then persist them. Positions that
	// disappeared mid-cycle (manual exit) are skipped.
	var updated []domain.Position
	e.mu.Lock()
	for _, raise := range raises {
		pos, ok := e.open[raise.key]
		if !ok {
			continue
		}
		if pos.RaiseATH(raise.price, raise.at, e.cfg.StopLossFactor) {
			pos.LastPrice = raise.price
			updated = append(updated, *pos)
		}
	}
	for _, eval := range evals {
		if !eval.Priced {
			continue
		}
		if pos, ok := e.open[eval.Pos.Key()]; ok {
			pos.LastPrice = eval.CurrentPrice
		}
	}
	e.mu.Unlock()

	for i := range updated {
		pos := updated[i]
		if err := e.repo.UpdateATH(ctx, &pos); err != nil {
			// The in-memory mark is authoritative; a missed write only
			// costs stop-loss freshness across a restart.
			e.logger.Error(ctx, err, "Failed to persist ATH update", map[string]interface{}{
				"tradeID": pos.TradeID, "ticker": pos.Ticker,
			})
			continue
		}
		e.logger.Info(ctx, "New all-time-high", map[string]interface{}{
			"ticker": pos.Ticker, "ath": pos.ATHPrice, "stopLoss": pos.StopLossPrice,
		})
	}

	// Exits run after the whole per-position pass so every decision in this
	// cycle used the same price set.
	exited := make(map[string]bool, len(exits))
	for _, x := range exits {
		ok, err := e.ExitPosition(ctx, x.pos.Ticker, x.pos.ContractAddress, x.price, domain.ExitReasonStopLoss)
		if err != nil {
			e.logger.Error(ctx, err, "Stop-loss exit failed, will retry next cycle", map[string]interface{}{
				"ticker": x.pos.Ticker,
			})
			continue
		}
		if ok {
			exited[x.pos.Key()] = true
		}
	}

	openEvals := evals[:0]
	for _, eval := range evals {
		if !exited[eval.Pos.Key()] {
			openEvals = append(openEvals, eval)
		}
	}

	closed, err := e.repo.LoadClosedPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load closed positions for snapshot: %w", err)
	}

	report := stats.BuildReport(openEvals, closed, now)
	if err := e.repo.ReplacePnlSnapshot(ctx, report.Rows); err != nil {
		return fmt.Errorf("failed to write PNL snapshot: %w", err)
	}

	e.reportMu.Lock()
	e.lastReport = report
	e.reportMu.Unlock()

	for _, sink := range e.sinks {
		if err := sink.PublishSnapshot(ctx, report); err != nil {
			e.logger.Warn(ctx, "Report sink failed", map[string]interface{}{"error": err.Error()})
		}
	}
	e.logger.Info(ctx, stats.Summary(report))
	return nil
}

// OpenPositions returns a copy of the current open set.
func (e *Engine) OpenPositions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.open))
	for _, pos := range e.open {
		out = append(out, *pos)
	}
	return out
}

// LastReport returns the snapshot produced by the most recent completed
// cycle, or nil before the first one.
func (e *Engine) LastReport() *domain.PnlReport {
	e.reportMu.RLock()
	defer e.reportMu.RUnlock()
	return e.lastReport
}

// dispatchAsync delivers a notification without blocking the state
// transition that triggered it. Failures are logged and never retried.
func (e *Engine) dispatchAsync(ctx context.Context, sig ports.Signal) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	go func() {
		defer cancel()
		if err := e.dispatcher.Dispatch(dctx, sig); err != nil {
			metricDroppedNotifications.Inc()
			e.logger.Warn(dctx, "Notification dropped", map[string]interface{}{
				"kind": sig.Kind, "ticker": sig.Ticker, "error": err.Error(),
			})
		}
	}()
}

func distinctKeys(positions []domain.Position) []ports.PriceKey {
	seen := make(map[string]struct{}, len(positions))
	keys := make([]ports.PriceKey, 0, len(positions))
	for _, pos := range positions {
		k := quoteKey(pos.ContractAddress, pos.Network)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, ports.PriceKey{
			Ticker:          pos.Ticker,
			ContractAddress: pos.ContractAddress,
			Network:         pos.Network,
		})
	}
	return keys
}

// quoteKey matches price quotes back to positions; contract addresses are
// compared case-insensitively across sources.
func quoteKey(contractAddress, network string) string {
	return strings.ToLower(contractAddress) + "|" + strings.ToLower(network)
}
