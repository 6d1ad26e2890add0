// Package notify fans a signal out to every configured dispatcher.
package notify

import (
	"context"
	"errors"

	"apexbt/internal/ports"
)

// Multi dispatches to each wrapped dispatcher in turn. One consumer failing
// does not stop delivery to the others; the joined error is returned so the
// caller can log it. A Multi with no dispatchers is a valid no-op.
type Multi struct {
	dispatchers []ports.SignalDispatcher
	logger      ports.Logger
}

// NewMulti creates a fan-out dispatcher.
func NewMulti(logger ports.Logger, dispatchers ...ports.SignalDispatcher) *Multi {
	return &Multi{dispatchers: dispatchers, logger: logger}
}

// Dispatch implements ports.SignalDispatcher.
func (m *Multi) Dispatch(ctx context.Context, sig ports.Signal) error {
	var errs []error
	for _, d := range m.dispatchers {
		if err := d.Dispatch(ctx, sig); err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "Signal dispatch failed", map[string]interface{}{
					"kind": sig.Kind, "ticker": sig.Ticker, "error": err.Error(),
				})
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
