package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() NewPositionParams {
	return NewPositionParams{
		Ticker:          "PEPE",
		ContractAddress: "0xAbC123",
		Network:         "base",
		SourceAgent:     "alpha-agent",
		EntryPrice:      1.0,
		EntryTime:       time.Date(2025, 1, 31, 9, 30, 45, 0, time.UTC),
		PositionSizeUSD: 100.0,
	}
}

func TestNewPosition(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*NewPositionParams)
		factor  float64
		wantErr bool
	}{
		{name: "valid position", factor: 0.95},
		{
			name:    "missing ticker",
			mutate:  func(p *NewPositionParams) { p.Ticker = "" },
			factor:  0.95,
			wantErr: true,
		},
		{
			name:    "missing contract",
			mutate:  func(p *NewPositionParams) { p.ContractAddress = "" },
			factor:  0.95,
			wantErr: true,
		},
		{
			name:    "zero entry price",
			mutate:  func(p *NewPositionParams) { p.EntryPrice = 0 },
			factor:  0.95,
			wantErr: true,
		},
		{
			name:    "negative entry price",
			mutate:  func(p *NewPositionParams) { p.EntryPrice = -1 },
			factor:  0.95,
			wantErr: true,
		},
		{
			name:    "zero position size",
			mutate:  func(p *NewPositionParams) { p.PositionSizeUSD = 0 },
			factor:  0.95,
			wantErr: true,
		},
		{name: "factor of one rejected", factor: 1.0, wantErr: true},
		{name: "factor of zero rejected", factor: 0.0, wantErr: true},
		{name: "negative factor rejected", factor: -0.5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams()
			if tt.mutate != nil {
				tt.mutate(&params)
			}
			pos, err := NewPosition(params, tt.factor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusOpen, pos.Status)
			assert.Equal(t, DirectionLong, pos.Direction)
			// ATH is seeded at entry, stop derived from it.
			assert.Equal(t, pos.EntryPrice, pos.ATHPrice)
			assert.InDelta(t, pos.EntryPrice*tt.factor, pos.StopLossPrice, 1e-12)
			assert.True(t, pos.ATHPrice >= pos.EntryPrice)
			assert.NotEmpty(t, pos.TradeID)
			assert.Equal(t, byte('T'), pos.TradeID[0])
		})
	}
}

func TestNewTradeID(t *testing.T) {
	ts := time.Date(2025, 1, 31, 9, 30, 45, 123456789, time.UTC)
	assert.Equal(t, "T20250131093045123456", newTradeID(ts))
}

func TestPositionKey(t *testing.T) {
	assert.Equal(t, PositionKey("pepe", "0xabc123"), PositionKey("PEPE", "0xABC123"))
	assert.NotEqual(t, PositionKey("PEPE", "0xabc"), PositionKey("PEPE", "0xdef"))
}

func TestRaiseATH(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	at := time.Now()

	// Equal price is not a new high.
	assert.False(t, pos.RaiseATH(1.0, at, 0.95))
	assert.Equal(t, 1.0, pos.ATHPrice)

	// Lower price never lowers the mark.
	assert.False(t, pos.RaiseATH(0.8, at, 0.95))
	assert.Equal(t, 1.0, pos.ATHPrice)
	assert.InDelta(t, 0.95, pos.StopLossPrice, 1e-12)

	// Higher price raises both the mark and the stop.
	assert.True(t, pos.RaiseATH(1.2, at, 0.95))
	assert.Equal(t, 1.2, pos.ATHPrice)
	assert.InDelta(t, 1.14, pos.StopLossPrice, 1e-12)

	// A dip after the raise still does not lower anything.
	assert.False(t, pos.RaiseATH(1.1, at, 0.95))
	assert.Equal(t, 1.2, pos.ATHPrice)
	assert.InDelta(t, 1.14, pos.StopLossPrice, 1e-12)
}

func TestClose(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	at := time.Now()
	require.True(t, pos.RaiseATH(1.20, at, 0.95))

	// Exit at 1.13: +13% on entry, captured 13 of the 20 points of run-up.
	exitAt := at.Add(5 * time.Minute)
	pos.Close(1.13, exitAt, ExitReasonStopLoss)

	assert.Equal(t, StatusClosed, pos.Status)
	assert.Equal(t, ExitReasonStopLoss, pos.ExitReason)
	assert.InDelta(t, 13.0, pos.PnlPercentage, 1e-9)
	assert.InDelta(t, 13.0, pos.PnlAmount, 1e-9) // $100 notional
	assert.InDelta(t, 20.0, pos.MaxProfitPct, 1e-9)
	// Drawdown from the 1.20 high to the 1.13 exit.
	assert.InDelta(t, (1.20-1.13)/1.20*100, pos.MaxDrawdownPct, 1e-9)
}

func TestCloseAboveATH(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	// Manual exit above the recorded high: drawdown floors at zero.
	pos.Close(1.5, time.Now(), ExitReasonManual)
	assert.Equal(t, 0.0, pos.MaxDrawdownPct)
	assert.InDelta(t, 50.0, pos.PnlPercentage, 1e-9)
}

func TestCloseAtLoss(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	pos.Close(0.95, time.Now(), ExitReasonStopLoss)
	assert.InDelta(t, -5.0, pos.PnlPercentage, 1e-9)
	assert.InDelta(t, -5.0, pos.PnlAmount, 1e-9)
	assert.InDelta(t, 0.0, pos.MaxProfitPct, 1e-9)
	assert.InDelta(t, 5.0, pos.MaxDrawdownPct, 1e-9)
}

func TestCurrentValueUSD(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, pos.CurrentValueUSD(1.0), 1e-9)
	assert.InDelta(t, 113.0, pos.CurrentValueUSD(1.13), 1e-9)
	assert.InDelta(t, 50.0, pos.CurrentValueUSD(0.5), 1e-9)
}

func TestDuration(t *testing.T) {
	pos, err := NewPosition(validParams(), 0.95)
	require.NoError(t, err)

	now := pos.EntryTime.Add(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, pos.Duration(now))

	pos.Close(1.1, pos.EntryTime.Add(time.Hour), ExitReasonManual)
	assert.Equal(t, time.Hour, pos.Duration(now))
}
