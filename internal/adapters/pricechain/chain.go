// Package pricechain provides a fallback chain over multiple price sources.
// The chain itself implements ports.PriceSource, so the engine sees one
// source regardless of how many strategies are configured.
package pricechain

import (
	"context"
	"fmt"
	"strings"

	"apexbt/internal/ports"
)

// Chain queries its sources in order. Keys the first source cannot resolve
// are retried against the next one, so a partial primary result gets filled
// in rather than discarded. The batch fails only when no source returned
// anything at all.
type Chain struct {
	sources []ports.PriceSource
	logger  ports.Logger
}

// New creates a fallback chain. Source order is priority order.
func New(logger ports.Logger, sources ...ports.PriceSource) (*Chain, error) {
	if logger == nil {
		return nil, fmt.Errorf("pricechain: logger is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("pricechain: at least one price source is required")
	}
	return &Chain{sources: sources, logger: logger}, nil
}

// Name lists the chained source names in priority order.
func (c *Chain) Name() string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// FetchPrices implements ports.PriceSource.
func (c *Chain) FetchPrices(ctx context.Context, keys []ports.PriceKey) ([]ports.PriceQuote, error) {
	var quotes []ports.PriceQuote
	var lastErr error

	remaining := keys
	for _, source := range c.sources {
		if len(remaining) == 0 {
			break
		}
		got, err := source.FetchPrices(ctx, remaining)
		if err != nil {
			lastErr = err
			c.logger.Warn(ctx, "Price source failed, falling through", map[string]interface{}{
				"source": source.Name(), "keys": len(remaining), "error": err.Error(),
			})
			continue
		}
		quotes = append(quotes, got...)
		remaining = missingKeys(remaining, got)
	}

	if len(quotes) == 0 && lastErr != nil {
		return nil, fmt.Errorf("pricechain: every source failed: %w", lastErr)
	}
	return quotes, nil
}

func missingKeys(keys []ports.PriceKey, quotes []ports.PriceQuote) []ports.PriceKey {
	resolved := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		resolved[strings.ToLower(q.ContractAddress)+"|"+strings.ToLower(q.Network)] = struct{}{}
	}
	var missing []ports.PriceKey
	for _, k := range keys {
		if _, ok := resolved[strings.ToLower(k.ContractAddress)+"|"+strings.ToLower(k.Network)]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
