package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Number of evaluation cycles started.",
	})
	metricCycleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "cycle_failures_total",
		Help:      "Number of evaluation cycles that aborted with an error.",
	})
	metricConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "consecutive_cycle_failures",
		Help:      "Current run of back-to-back failed cycles; resets on success.",
	})
	metricCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a full evaluation cycle.",
		Buckets:   prometheus.DefBuckets,
	})
	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Number of positions currently tracked as open.",
	})
	metricExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "exits_total",
		Help:      "Number of positions closed, by exit reason.",
	}, []string{"reason"})
	metricDroppedNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apexbt",
		Subsystem: "engine",
		Name:      "dropped_notifications_total",
		Help:      "Number of buy/sell notifications that failed to deliver.",
	})
)
