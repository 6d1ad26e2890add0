package domain

// PositionStatus represents the lifecycle state of a tracked position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "Open"
	StatusClosed PositionStatus = "Closed"
)

// Direction represents the direction of a position. Only long positions are
// taken in the current scope.
type Direction string

const (
	DirectionLong Direction = "Long"
)

// ExitReason indicates why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "Stop Loss"
	ExitReasonTakeProfit ExitReason = "Take Profit"
	ExitReasonManual     ExitReason = "Manual"
)

// SignalKind is the type of trade signal dispatched to downstream consumers.
type SignalKind string

const (
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
)

// SignalMeta carries risk-context metadata obtained from the intake layer.
// The engine never computes these values itself; it only passes them through
// to notification consumers and persists them for later analysis.
type SignalMeta struct {
	SignalRef   string  // identifier of the originating signal (e.g. a post ID)
	MarketCap   float64 // market capitalization at signal time, USD
	SniffScore  float64 // token quality score from the validation step
	HolderCount int     // holder count at signal time
	Notes       string
}
