package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"apexbt/internal/domain"
	"apexbt/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Timestamps are stored as timezone-naive UTC strings so rows written by
// different processes stay comparable.
const (
	timeLayout     = "2006-01-02 15:04:05"
	timeLayoutFrac = "2006-01-02 15:04:05.999999"
)

// Repository implements ports.PositionRepository and ports.ReportRepository
// using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/apexbt.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the engine worker and intake.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// The Go driver benefits from a single connection; SQLite serializes
	// writers internally anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		trade_id TEXT PRIMARY KEY,
		source_agent TEXT NOT NULL,
		ticker TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		network TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_price REAL NOT NULL,
		position_size_usd REAL NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		ath_price REAL NOT NULL,
		ath_time TIMESTAMP NOT NULL,
		stop_loss_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		pnl_amount REAL DEFAULT NULL,
		pnl_percentage REAL DEFAULT NULL,
		max_drawdown_pct REAL DEFAULT NULL,
		max_profit_pct REAL DEFAULT NULL,
		signal_ref TEXT DEFAULT NULL,
		market_cap REAL DEFAULT NULL,
		sniff_score REAL DEFAULT NULL,
		holder_count INTEGER DEFAULT NULL,
		notes TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS pnl (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_agent TEXT,
		ticker TEXT,
		contract_address TEXT,
		network TEXT,
		entry_time TIMESTAMP,
		entry_price REAL,
		current_price REAL,
		price_change_pct REAL,
		invested_usd REAL,
		current_value_usd REAL,
		pnl_usd REAL,
		status TEXT,
		exit_reason TEXT
	);

	-- At most one Open position per (ticker, contract) pair.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_key
		ON positions (lower(ticker), lower(contract_address)) WHERE status = 'Open';
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

const positionColumns = `
	trade_id, source_agent, ticker, contract_address, network,
	entry_time, entry_price, position_size_usd, direction, status,
	ath_price, ath_time, stop_loss_price,
	exit_price, exit_time, exit_reason,
	pnl_amount, pnl_percentage, max_drawdown_pct, max_profit_pct,
	signal_ref, COALESCE(market_cap, 0), COALESCE(sniff_score, 0), COALESCE(holder_count, 0), notes`

// LoadOpenPositions retrieves every position with status Open.
func (r *Repository) LoadOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return r.loadByStatus(ctx, domain.StatusOpen)
}

// LoadClosedPositions retrieves every closed position, most recent exit first.
func (r *Repository) LoadClosedPositions(ctx context.Context) ([]*domain.Position, error) {
	return r.loadByStatus(ctx, domain.StatusClosed)
}

func (r *Repository) loadByStatus(ctx context.Context, status domain.PositionStatus) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ? ORDER BY entry_time DESC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s positions: %w", status, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s position: %w", status, err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s position rows: %w", status, err)
	}
	return positions, nil
}

// InsertPosition persists a newly opened position.
func (r *Repository) InsertPosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO positions (
		trade_id, source_agent, ticker, contract_address, network,
		entry_time, entry_price, position_size_usd, direction, status,
		ath_price, ath_time, stop_loss_price,
		signal_ref, market_cap, sniff_score, holder_count, notes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		pos.TradeID, pos.SourceAgent, pos.Ticker, pos.ContractAddress, pos.Network,
		fmtTime(pos.EntryTime), pos.EntryPrice, pos.PositionSizeUSD, pos.Direction, pos.Status,
		pos.ATHPrice, fmtTime(pos.ATHTime), pos.StopLossPrice,
		nullString(pos.Meta.SignalRef), nullFloat(pos.Meta.MarketCap), nullFloat(pos.Meta.SniffScore),
		nullInt(pos.Meta.HolderCount), nullString(pos.Meta.Notes))
	if err != nil {
		return fmt.Errorf("failed to insert position for %s: %w", pos.Ticker, err)
	}
	r.logger.Debug(ctx, "Position inserted", map[string]interface{}{"tradeID": pos.TradeID, "ticker": pos.Ticker})
	return nil
}

// UpdateATH persists a raised high-water-mark and its derived stop-loss.
func (r *Repository) UpdateATH(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET ath_price = ?, ath_time = ?, stop_loss_price = ?
	WHERE trade_id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		pos.ATHPrice, fmtTime(pos.ATHTime), pos.StopLossPrice, pos.TradeID, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to update ATH for trade %s: %w", pos.TradeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for ATH update %s: %w", pos.TradeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("trade %s not open for ATH update: %w", pos.TradeID, ports.ErrNotFound)
	}
	return nil
}

// CloseOpenPosition applies the exit fields of pos to the row matching
// (ticker, contract, status = Open). A zero match count means another path
// already closed the row; the caller treats that as a benign no-op.
func (r *Repository) CloseOpenPosition(ctx context.Context, pos *domain.Position) (bool, error) {
	const query = `
	UPDATE positions
	SET status = ?, exit_price = ?, exit_time = ?, exit_reason = ?,
	    pnl_amount = ?, pnl_percentage = ?, max_drawdown_pct = ?, max_profit_pct = ?
	WHERE lower(ticker) = lower(?) AND lower(contract_address) = lower(?) AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		domain.StatusClosed, pos.ExitPrice, fmtTime(pos.ExitTime), pos.ExitReason,
		pos.PnlAmount, pos.PnlPercentage, pos.MaxDrawdownPct, pos.MaxProfitPct,
		pos.Ticker, pos.ContractAddress, domain.StatusOpen)
	if err != nil {
		return false, fmt.Errorf("failed to close position %s/%s: %w", pos.Ticker, pos.ContractAddress, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected closing %s: %w", pos.Ticker, err)
	}
	if affected == 0 {
		r.logger.Debug(ctx, "Close matched no open row", map[string]interface{}{"ticker": pos.Ticker})
		return false, nil
	}
	r.logger.Debug(ctx, "Position closed", map[string]interface{}{
		"tradeID": pos.TradeID, "ticker": pos.Ticker, "exitReason": pos.ExitReason, "pnl": pos.PnlAmount,
	})
	return true, nil
}

// ReplacePnlSnapshot rebuilds the pnl table from scratch in one transaction.
func (r *Repository) ReplacePnlSnapshot(ctx context.Context, rows []domain.SnapshotRow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pnl`); err != nil {
		return fmt.Errorf("failed to clear pnl snapshot: %w", err)
	}

	const insert = `
	INSERT INTO pnl (
		source_agent, ticker, contract_address, network, entry_time,
		entry_price, current_price, price_change_pct,
		invested_usd, current_value_usd, pnl_usd, status, exit_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.SourceAgent, row.Ticker, row.ContractAddress, row.Network, fmtTime(row.EntryTime),
			row.EntryPrice, row.CurrentPrice, row.PriceChangePct,
			row.InvestedUSD, row.CurrentValueUSD, row.PnlUSD, row.Status, nullString(string(row.ExitReason)))
		if err != nil {
			return fmt.Errorf("failed to insert snapshot row for %s: %w", row.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pnl snapshot: %w", err)
	}
	r.logger.Debug(ctx, "PNL snapshot replaced", map[string]interface{}{"rows": len(rows)})
	return nil
}

// TradeStats aggregates closed-trade performance for the reporting CLI.
func (r *Repository) TradeStats(ctx context.Context) (*domain.TradeStats, error) {
	const query = `
	SELECT
		COUNT(*) as total_trades,
		SUM(CASE WHEN pnl_percentage > 0 THEN 1 ELSE 0 END) as winning_trades,
		SUM(CASE WHEN exit_reason = ? THEN 1 ELSE 0 END) as stopped_trades,
		COALESCE(AVG(pnl_percentage), 0) as avg_pnl,
		COALESCE(AVG(CASE WHEN exit_reason = ? THEN pnl_percentage ELSE NULL END), 0) as avg_stop_loss_pnl,
		COALESCE(MAX(pnl_percentage), 0) as best_trade,
		COALESCE(MIN(pnl_percentage), 0) as worst_trade,
		COALESCE(SUM(pnl_amount), 0) as total_pnl,
		COALESCE(AVG(max_drawdown_pct), 0) as avg_max_drawdown,
		COALESCE(AVG(max_profit_pct), 0) as avg_max_profit
	FROM positions WHERE status = ?`

	stats := &domain.TradeStats{ExitReasonCount: make(map[domain.ExitReason]int)}
	err := r.db.QueryRowContext(ctx, query, domain.ExitReasonStopLoss, domain.ExitReasonStopLoss, domain.StatusClosed).Scan(
		&stats.TotalTrades, &stats.WinningTrades, &stats.StoppedTrades,
		&stats.AvgPnlPct, &stats.AvgStopLossPnl, &stats.BestTradePct, &stats.WorstTradePct,
		&stats.TotalPnlUSD, &stats.AvgMaxDrawdown, &stats.AvgMaxProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate trade statistics: %w", err)
	}

	const reasons = `
	SELECT exit_reason, COUNT(*) FROM positions
	WHERE status = ? AND exit_reason IS NOT NULL
	GROUP BY exit_reason`

	rows, err := r.db.QueryContext(ctx, reasons, domain.StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query exit reason distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan exit reason row: %w", err)
		}
		stats.ExitReasonCount[domain.ExitReason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exit reason rows: %w", err)
	}
	return stats, nil
}

// --- Helpers ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var entryTime, athTime string
	var exitPrice, pnlAmount, pnlPct, maxDD, maxProfit sql.NullFloat64
	var exitTime, exitReason, signalRef, notes sql.NullString
	var status, direction string

	err := s.Scan(
		&p.TradeID, &p.SourceAgent, &p.Ticker, &p.ContractAddress, &p.Network,
		&entryTime, &p.EntryPrice, &p.PositionSizeUSD, &direction, &status,
		&p.ATHPrice, &athTime, &p.StopLossPrice,
		&exitPrice, &exitTime, &exitReason,
		&pnlAmount, &pnlPct, &maxDD, &maxProfit,
		&signalRef, &p.Meta.MarketCap, &p.Meta.SniffScore, &p.Meta.HolderCount, &notes)
	if err != nil {
		return nil, err
	}

	p.Status = domain.PositionStatus(status)
	p.Direction = domain.Direction(direction)
	if p.EntryTime, err = parseTime(entryTime); err != nil {
		return nil, fmt.Errorf("bad entry_time for trade %s: %w", p.TradeID, err)
	}
	if p.ATHTime, err = parseTime(athTime); err != nil {
		return nil, fmt.Errorf("bad ath_time for trade %s: %w", p.TradeID, err)
	}
	if exitTime.Valid {
		if p.ExitTime, err = parseTime(exitTime.String); err != nil {
			return nil, fmt.Errorf("bad exit_time for trade %s: %w", p.TradeID, err)
		}
	}
	if exitPrice.Valid {
		p.ExitPrice = exitPrice.Float64
		p.LastPrice = exitPrice.Float64
	} else {
		p.LastPrice = p.EntryPrice
	}
	if exitReason.Valid {
		p.ExitReason = domain.ExitReason(exitReason.String)
	}
	if pnlAmount.Valid {
		p.PnlAmount = pnlAmount.Float64
	}
	if pnlPct.Valid {
		p.PnlPercentage = pnlPct.Float64
	}
	if maxDD.Valid {
		p.MaxDrawdownPct = maxDD.Float64
	}
	if maxProfit.Valid {
		p.MaxProfitPct = maxProfit.Float64
	}
	if signalRef.Valid {
		p.Meta.SignalRef = signalRef.String
	}
	if notes.Valid {
		p.Meta.Notes = notes.String
	}
	return p, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts both second and sub-second precision, matching rows
// written by earlier versions of the schema.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(timeLayoutFrac, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t.UTC(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}
