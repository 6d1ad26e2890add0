package domain

import "time"

// SnapshotRow is one line of the derived PNL projection: a disposable
// reporting view rebuilt in full every evaluation cycle, never authoritative
// state. Open positions get one row with their transient stats; closed
// positions get one row with their realized figures.
type SnapshotRow struct {
	SourceAgent     string
	Ticker          string
	ContractAddress string
	Network         string
	EntryTime       time.Time
	EntryPrice      float64
	CurrentPrice    float64
	PriceChangePct  float64
	InvestedUSD     float64
	CurrentValueUSD float64
	PnlUSD          float64
	Status          PositionStatus
	ExitReason      ExitReason
}

// AgentTotal is the PNL roll-up for one signal source.
type AgentTotal struct {
	Agent           string
	InvestedUSD     float64
	CurrentValueUSD float64
	PnlUSD          float64
}

// PnlReport is the full snapshot emitted to reporting sinks each cycle.
type PnlReport struct {
	GeneratedAt time.Time
	Rows        []SnapshotRow
	AgentTotals []AgentTotal
	GrandTotal  AgentTotal
}

// TradeStats summarizes closed-trade performance for the reporting CLI.
type TradeStats struct {
	TotalTrades     int
	WinningTrades   int
	StoppedTrades   int
	AvgPnlPct       float64
	AvgStopLossPnl  float64
	BestTradePct    float64
	WorstTradePct   float64
	TotalPnlUSD     float64
	AvgMaxDrawdown  float64
	AvgMaxProfit    float64
	ExitReasonCount map[ExitReason]int
}
