package engine

import (
	"context"
	"time"
)

// Run executes evaluation cycles on the configured interval until ctx is
// canceled. The first cycle runs immediately. A failed cycle never stops
// the loop; a run of consecutive failures past the alert threshold is
// escalated to error-level logging because it means positions are flying
// blind with stale stop-losses.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "Evaluation loop starting", map[string]interface{}{
		"interval":       e.cfg.Interval.String(),
		"stopLossFactor": e.cfg.StopLossFactor,
	})

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	runOnce := func() {
		metricCycles.Inc()
		started := time.Now()
		err := e.EvaluateCycle(ctx)
		metricCycleDuration.Observe(time.Since(started).Seconds())
		if err == nil {
			consecutiveFailures = 0
			metricConsecutiveFailures.Set(0)
			return
		}
		if ctx.Err() != nil {
			return
		}
		consecutiveFailures++
		metricCycleFailures.Inc()
		metricConsecutiveFailures.Set(float64(consecutiveFailures))
		fields := map[string]interface{}{"consecutiveFailures": consecutiveFailures}
		if consecutiveFailures >= e.cfg.FailureAlertThreshold {
			e.logger.Error(ctx, err, "Evaluation cycle failing repeatedly, stop-losses are stale", fields)
		} else {
			e.logger.Warn(ctx, "Evaluation cycle failed: "+err.Error(), fields)
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Evaluation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
