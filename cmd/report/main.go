// Command report prints closed-trade statistics from the position database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"apexbt/internal/adapters/logger"
	"apexbt/internal/adapters/sqlite"
	"apexbt/internal/domain"
)

func main() {
	_ = godotenv.Load()

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/apexbt.db"
	}
	dbPath := flag.String("db", defaultDB, "path to the position database")
	showTrades := flag.Bool("trades", false, "list individual closed trades")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.LevelWarn)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	stats, err := repo.TradeStats(ctx)
	if err != nil {
		log.Fatalf("FATAL: Failed to compute trade statistics: %v", err)
	}

	fmt.Println(renderStats(stats))

	if *showTrades {
		closed, err := repo.LoadClosedPositions(ctx)
		if err != nil {
			log.Fatalf("FATAL: Failed to load closed positions: %v", err)
		}
		fmt.Println(renderTrades(closed))
	}
}

func renderStats(stats *domain.TradeStats) string {
	var sb strings.Builder
	sb.WriteString("Trade Statistics\n")
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	sb.WriteString(fmt.Sprintf("Total closed trades:   %d\n", stats.TotalTrades))
	if stats.TotalTrades == 0 {
		return sb.String()
	}
	winRate := float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
	sb.WriteString(fmt.Sprintf("Winning trades:        %d (%.1f%%)\n", stats.WinningTrades, winRate))
	sb.WriteString(fmt.Sprintf("Stopped out:           %d\n", stats.StoppedTrades))
	sb.WriteString(fmt.Sprintf("Average PNL:           %+.2f%%\n", stats.AvgPnlPct))
	sb.WriteString(fmt.Sprintf("Average stop-loss PNL: %+.2f%%\n", stats.AvgStopLossPnl))
	sb.WriteString(fmt.Sprintf("Best trade:            %+.2f%%\n", stats.BestTradePct))
	sb.WriteString(fmt.Sprintf("Worst trade:           %+.2f%%\n", stats.WorstTradePct))
	sb.WriteString(fmt.Sprintf("Total PNL:             $%.2f\n", stats.TotalPnlUSD))
	sb.WriteString(fmt.Sprintf("Avg max drawdown:      %.2f%%\n", stats.AvgMaxDrawdown))
	sb.WriteString(fmt.Sprintf("Avg max profit:        %.2f%%\n", stats.AvgMaxProfit))

	if len(stats.ExitReasonCount) > 0 {
		sb.WriteString("\nExits by reason:\n")
		reasons := make([]string, 0, len(stats.ExitReasonCount))
		for reason := range stats.ExitReasonCount {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			sb.WriteString(fmt.Sprintf("  %-12s %d\n", reason, stats.ExitReasonCount[domain.ExitReason(reason)]))
		}
	}
	return sb.String()
}

func renderTrades(closed []*domain.Position) string {
	var sb strings.Builder
	sb.WriteString("Closed Trades\n")
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	for _, pos := range closed {
		sb.WriteString(fmt.Sprintf("%s  %-10s %-10s %+8.2f%%  $%+9.2f  held %s  (%s)\n",
			pos.ExitTime.Format("2006-01-02 15:04"),
			pos.Ticker,
			pos.SourceAgent,
			pos.PnlPercentage,
			pos.PnlAmount,
			pos.Duration(time.Now()).Round(time.Minute),
			pos.ExitReason,
		))
	}
	return sb.String()
}
