package ports

import (
	"context"
	"time"
)

// PriceKey identifies a tradable asset for a price lookup. Ticker is carried
// alongside the contract because some sources (centralized exchanges) quote
// by symbol rather than by contract address.
type PriceKey struct {
	Ticker          string
	ContractAddress string
	Network         string
}

// PriceQuote is one price observation returned by a source.
type PriceQuote struct {
	ContractAddress string
	Network         string
	Price           float64
	At              time.Time
}

// PriceSource returns current prices for a batch of assets in a single call.
// Implementations must tolerate partial results: keys the source cannot
// resolve are simply absent from the returned slice. An error return means
// the whole batch failed and nothing should be applied.
type PriceSource interface {
	// Name identifies the source in logs.
	Name() string
	// FetchPrices resolves current prices for up to dozens of keys per call.
	FetchPrices(ctx context.Context, keys []PriceKey) ([]PriceQuote, error)
}
