// Package stats builds the derived PNL snapshot: one row per open position
// with its transient cycle figures, one row per closed position with its
// realized figures, plus per-agent subtotals and a grand total. The report
// is a disposable projection, fully rebuilt every cycle.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"apexbt/internal/domain"

	"github.com/shopspring/decimal"
)

// OpenEval is one open position together with the price observed for it in
// the current cycle. Priced is false when the batch response was missing
// this contract, in which case the last-known price is reported instead.
type OpenEval struct {
	Pos          domain.Position
	CurrentPrice float64
	Priced       bool
}

// BuildReport assembles the full snapshot from this cycle's open-position
// evaluations and the closed-position history. Dollar totals are summed as
// decimals so long-running portfolios don't accumulate float error.
func BuildReport(open []OpenEval, closed []*domain.Position, at time.Time) *domain.PnlReport {
	report := &domain.PnlReport{GeneratedAt: at.UTC()}

	type totals struct {
		invested decimal.Decimal
		value    decimal.Decimal
		pnl      decimal.Decimal
	}
	agentTotals := make(map[string]*totals)
	accumulate := func(agent string, invested, value, pnl float64) {
		t, ok := agentTotals[agent]
		if !ok {
			t = &totals{}
			agentTotals[agent] = t
		}
		t.invested = t.invested.Add(decimal.NewFromFloat(invested))
		t.value = t.value.Add(decimal.NewFromFloat(value))
		t.pnl = t.pnl.Add(decimal.NewFromFloat(pnl))
	}

	for _, eval := range open {
		pos := eval.Pos
		price := eval.CurrentPrice
		if !eval.Priced {
			price = pos.LastPrice
			if price <= 0 {
				price = pos.EntryPrice
			}
		}
		changePct := pos.PriceChangePct(price)
		value := pos.CurrentValueUSD(price)
		pnl := value - pos.PositionSizeUSD

		report.Rows = append(report.Rows, domain.SnapshotRow{
			SourceAgent:     pos.SourceAgent,
			Ticker:          pos.Ticker,
			ContractAddress: pos.ContractAddress,
			Network:         pos.Network,
			EntryTime:       pos.EntryTime,
			EntryPrice:      pos.EntryPrice,
			CurrentPrice:    price,
			PriceChangePct:  changePct,
			InvestedUSD:     pos.PositionSizeUSD,
			CurrentValueUSD: value,
			PnlUSD:          pnl,
			Status:          domain.StatusOpen,
		})
		accumulate(pos.SourceAgent, pos.PositionSizeUSD, value, pnl)
	}

	for _, pos := range closed {
		value := pos.PositionSizeUSD + pos.PnlAmount
		report.Rows = append(report.Rows, domain.SnapshotRow{
			SourceAgent:     pos.SourceAgent,
			Ticker:          pos.Ticker,
			ContractAddress: pos.ContractAddress,
			Network:         pos.Network,
			EntryTime:       pos.EntryTime,
			EntryPrice:      pos.EntryPrice,
			CurrentPrice:    pos.ExitPrice,
			PriceChangePct:  pos.PnlPercentage,
			InvestedUSD:     pos.PositionSizeUSD,
			CurrentValueUSD: value,
			PnlUSD:          pos.PnlAmount,
			Status:          domain.StatusClosed,
			ExitReason:      pos.ExitReason,
		})
		accumulate(pos.SourceAgent, pos.PositionSizeUSD, value, pos.PnlAmount)
	}

	agents := make([]string, 0, len(agentTotals))
	for agent := range agentTotals {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	var grand totals
	for _, agent := range agents {
		t := agentTotals[agent]
		report.AgentTotals = append(report.AgentTotals, domain.AgentTotal{
			Agent:           agent,
			InvestedUSD:     t.invested.InexactFloat64(),
			CurrentValueUSD: t.value.InexactFloat64(),
			PnlUSD:          t.pnl.InexactFloat64(),
		})
		grand.invested = grand.invested.Add(t.invested)
		grand.value = grand.value.Add(t.value)
		grand.pnl = grand.pnl.Add(t.pnl)
	}
	report.GrandTotal = domain.AgentTotal{
		InvestedUSD:     grand.invested.InexactFloat64(),
		CurrentValueUSD: grand.value.InexactFloat64(),
		PnlUSD:          grand.pnl.InexactFloat64(),
	}
	return report
}

// Summary renders the report for the process log.
func Summary(report *domain.PnlReport) string {
	var sb strings.Builder
	sb.WriteString("Current Trading Statistics:\n")
	sb.WriteString(strings.Repeat("-", 50) + "\n")
	for _, row := range report.Rows {
		if row.Status != domain.StatusOpen {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s - %s: %+.2f%% (Entry: $%.8f, Current: $%.8f)\n",
			row.SourceAgent, row.Ticker, row.PriceChangePct, row.EntryPrice, row.CurrentPrice))
	}
	if len(report.AgentTotals) > 0 {
		sb.WriteString("\nAgent Totals:\n")
		for _, agent := range report.AgentTotals {
			sb.WriteString(fmt.Sprintf("%s: $%.2f\n", agent.Agent, agent.PnlUSD))
		}
	}
	sb.WriteString(fmt.Sprintf("\nTotal Portfolio PNL: $%.2f\n", report.GrandTotal.PnlUSD))
	sb.WriteString(strings.Repeat("-", 50))
	return sb.String()
}
