package domain

import (
	"fmt"
	"strings"
	"time"
)

// Position is the canonical record for a tracked trade. The natural key is
// the (ticker, contract address) pair; TradeID is the storage primary key.
//
// ATHPrice is seeded to the entry price and only ever raised, so
// ATHPrice >= EntryPrice holds for the whole lifetime of the position.
// StopLossPrice is derived from ATHPrice and is never set independently.
type Position struct {
	TradeID         string
	Ticker          string
	ContractAddress string
	Network         string
	SourceAgent     string // who/what generated the signal
	EntryPrice      float64
	EntryTime       time.Time // stored UTC, timezone-naive
	PositionSizeUSD float64
	Direction       Direction
	Meta            SignalMeta

	Status        PositionStatus
	ATHPrice      float64
	ATHTime       time.Time
	StopLossPrice float64

	// LastPrice is the most recent observed price. In-memory only; used to
	// report positions that miss a price in a given cycle with their
	// last-known values.
	LastPrice float64

	// Set on close.
	ExitPrice      float64
	ExitTime       time.Time
	ExitReason     ExitReason
	PnlAmount      float64
	PnlPercentage  float64
	MaxDrawdownPct float64
	MaxProfitPct   float64
}

// NewPositionParams holds the immutable-at-creation fields of a position.
type NewPositionParams struct {
	Ticker          string
	ContractAddress string
	Network         string
	SourceAgent     string
	EntryPrice      float64
	EntryTime       time.Time // zero value defaults to now
	PositionSizeUSD float64
	Meta            SignalMeta
}

// NewPosition builds an Open position, seeding the all-time-high at the
// entry price and deriving the initial stop-loss from it. All invariant
// checks live here rather than at the call sites.
func NewPosition(p NewPositionParams, stopLossFactor float64) (*Position, error) {
	if p.Ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if p.ContractAddress == "" {
		return nil, fmt.Errorf("contract address is required for %s", p.Ticker)
	}
	if p.EntryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %v", p.EntryPrice)
	}
	if p.PositionSizeUSD <= 0 {
		return nil, fmt.Errorf("position size must be positive, got %v", p.PositionSizeUSD)
	}
	if stopLossFactor <= 0 || stopLossFactor >= 1 {
		return nil, fmt.Errorf("stop loss factor must be between 0 and 1 (exclusive), got %v", stopLossFactor)
	}

	entryTime := p.EntryTime
	if entryTime.IsZero() {
		entryTime = time.Now()
	}
	entryTime = entryTime.UTC()

	return &Position{
		TradeID:         newTradeID(entryTime),
		Ticker:          p.Ticker,
		ContractAddress: p.ContractAddress,
		Network:         p.Network,
		SourceAgent:     p.SourceAgent,
		EntryPrice:      p.EntryPrice,
		EntryTime:       entryTime,
		PositionSizeUSD: p.PositionSizeUSD,
		Direction:       DirectionLong,
		Meta:            p.Meta,
		Status:          StatusOpen,
		ATHPrice:        p.EntryPrice,
		ATHTime:         entryTime,
		StopLossPrice:   p.EntryPrice * stopLossFactor,
		LastPrice:       p.EntryPrice,
	}, nil
}

// newTradeID generates a time-based trade identifier, e.g. "T20250131093045123456".
func newTradeID(ts time.Time) string {
	return "T" + ts.UTC().Format("20060102150405") + fmt.Sprintf("%06d", ts.Nanosecond()/1000)
}

// PositionKey normalizes a (ticker, contract) pair into the map key used for
// the in-memory open set. Matching is case-insensitive.
func PositionKey(ticker, contractAddress string) string {
	return strings.ToLower(ticker) + "|" + strings.ToLower(contractAddress)
}

// Key returns the position's natural key.
func (p *Position) Key() string {
	return PositionKey(p.Ticker, p.ContractAddress)
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// RaiseATH records a new all-time-high and recomputes the trailing stop.
// Prices at or below the current high are ignored, keeping the ATH
// monotonically non-decreasing.
func (p *Position) RaiseATH(price float64, at time.Time, stopLossFactor float64) bool {
	if price <= p.ATHPrice {
		return false
	}
	p.ATHPrice = price
	p.ATHTime = at.UTC()
	p.StopLossPrice = price * stopLossFactor
	return true
}

// PriceChangePct returns the percentage move from entry to the given price.
func (p *Position) PriceChangePct(price float64) float64 {
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// CurrentValueUSD returns the notional value of the position at the given price.
func (p *Position) CurrentValueUSD(price float64) float64 {
	return p.PositionSizeUSD * (1 + p.PriceChangePct(price)/100)
}

// Close marks the position closed and computes the realized PNL figures.
// MaxDrawdownPct measures the fall from the high-water-mark to the exit;
// MaxProfitPct measures the run-up from entry to the high-water-mark, so the
// two together show how much of the run-up was captured.
func (p *Position) Close(exitPrice float64, at time.Time, reason ExitReason) {
	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ExitTime = at.UTC()
	p.ExitReason = reason
	p.PnlPercentage = p.PriceChangePct(exitPrice)
	p.PnlAmount = p.PositionSizeUSD * p.PnlPercentage / 100

	floor := exitPrice
	if floor > p.ATHPrice {
		floor = p.ATHPrice
	}
	p.MaxDrawdownPct = (p.ATHPrice - floor) / p.ATHPrice * 100
	p.MaxProfitPct = (p.ATHPrice - p.EntryPrice) / p.EntryPrice * 100
}

// Duration returns how long the position was (or has been) held.
func (p *Position) Duration(now time.Time) time.Duration {
	end := p.ExitTime
	if end.IsZero() {
		end = now.UTC()
	}
	return end.Sub(p.EntryTime)
}
