// Package metrics declares the Prometheus collectors exported at /metrics,
// grounded on the pack's client_golang usage: package-level vars registered
// against the default registry via promauto, scraped through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of items currently tracked by the queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "steamidfilter",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of items currently held in the work queue.",
	})

	// CheckOutcomes counts per-check-name, per-status transitions applied by
	// the worker loop.
	CheckOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamidfilter",
		Subsystem: "worker",
		Name:      "check_outcomes_total",
		Help:      "Count of check outcomes by check name and resulting status.",
	}, []string{"check", "status"})

	// EnqueueOutcomes counts ingress Enqueue results by outcome.
	EnqueueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamidfilter",
		Subsystem: "ingress",
		Name:      "enqueue_outcomes_total",
		Help:      "Count of /api/add-steam-id outcomes by result.",
	}, []string{"result"})

	// FinalizeOutcomes counts downstream write outcomes applied during
	// finalization.
	FinalizeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamidfilter",
		Subsystem: "worker",
		Name:      "finalize_outcomes_total",
		Help:      "Count of finalization outcomes (success, already_exists, retryable, permanent, removed_failed).",
	}, []string{"outcome"})

	// PoolAvailable reports the number of connections not currently in
	// cooldown.
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "steamidfilter",
		Subsystem: "pool",
		Name:      "available_connections",
		Help:      "Number of connections not currently in cooldown.",
	})

	// PoolTotal reports the total number of connections registered in the
	// pool, including direct.
	PoolTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "steamidfilter",
		Subsystem: "pool",
		Name:      "total_connections",
		Help:      "Total number of connections registered in the pool.",
	})

	// CooldownEvents counts cooldowns applied, by connection kind and error
	// class.
	CooldownEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steamidfilter",
		Subsystem: "pool",
		Name:      "cooldown_events_total",
		Help:      "Count of cooldowns applied, by connection kind and error class.",
	}, []string{"kind", "error_class"})
)
