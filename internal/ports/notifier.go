package ports

import (
	"context"

	"apexbt/internal/domain"
)

// Signal is a buy/sell event dispatched to downstream consumers.
type Signal struct {
	Kind            domain.SignalKind
	Ticker          string
	ContractAddress string
	Network         string
	Price           float64
	Source          string
	Meta            domain.SignalMeta
}

// SignalDispatcher delivers buy/sell events to a downstream consumer (chat
// bot, external trading relay). Dispatch is fire-and-forget from the
// engine's perspective: failures are logged and never roll back a position
// state transition.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, sig Signal) error
}

// ReportSink receives the full PNL snapshot after each evaluation cycle.
type ReportSink interface {
	PublishSnapshot(ctx context.Context, report *domain.PnlReport) error
}
