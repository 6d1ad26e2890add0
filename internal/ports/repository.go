package ports

import (
	"context"

	"apexbt/internal/domain"
)

// PositionRepository is the durable store for position records and the
// derived PNL snapshot projection.
type PositionRepository interface {
	// LoadOpenPositions retrieves every position with status Open. Called
	// once at engine startup; the in-memory set is authoritative afterwards.
	LoadOpenPositions(ctx context.Context) ([]*domain.Position, error)
	// LoadClosedPositions retrieves every closed position, most recent first.
	LoadClosedPositions(ctx context.Context) ([]*domain.Position, error)
	// InsertPosition persists a newly opened position. Insertion is the
	// commit point of OpenPosition: on error the position must not enter
	// the in-memory set.
	InsertPosition(ctx context.Context, pos *domain.Position) error
	// UpdateATH persists a raised high-water-mark and the stop-loss derived
	// from it.
	UpdateATH(ctx context.Context, pos *domain.Position) error
	// CloseOpenPosition applies the exit fields of pos to the row matching
	// (ticker, contract, status = Open). The status predicate doubles as an
	// optimistic-concurrency guard: matched is false when another path
	// already closed the row, which callers treat as a benign no-op.
	CloseOpenPosition(ctx context.Context, pos *domain.Position) (matched bool, err error)
	// ReplacePnlSnapshot replaces the whole snapshot table in one bulk
	// write. Never an incremental diff, to avoid stale-row leakage.
	ReplacePnlSnapshot(ctx context.Context, rows []domain.SnapshotRow) error
}

// ReportRepository serves the offline trade statistics report.
type ReportRepository interface {
	// TradeStats aggregates performance figures over all closed positions.
	TradeStats(ctx context.Context) (*domain.TradeStats, error)
	LoadClosedPositions(ctx context.Context) ([]*domain.Position, error)
}
