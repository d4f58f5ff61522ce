// Package metrics holds the Prometheus collectors shared by the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

var (
	// ProcessTracked is the number of background processes currently tracked.
	ProcessTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "tracked",
		Help:      "Number of background processes currently tracked.",
	})

	// ProcessPolls counts liveness poll cycles, by outcome (ok, timeout, error, skipped).
	ProcessPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "polls_total",
		Help:      "Total liveness poll cycles, by outcome.",
	}, []string{"outcome"})

	// QueueOps counts message queue operations, by op.
	QueueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "ops_total",
		Help:      "Total message queue operations, by op.",
	}, []string{"op"})

	// FetchDiscarded counts transcript fetches dropped because a newer version was applied.
	FetchDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transcript",
		Name:      "fetch_discarded_total",
		Help:      "Total transcript fetches discarded as stale.",
	})

	// StreamRuns counts streaming runs, by outcome (finished, stopped, error).
	StreamRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "runs_total",
		Help:      "Total streaming runs, by outcome.",
	}, []string{"outcome"})

	// RelaySubscribers is the number of websocket clients following a relayed run.
	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "subscribers_active",
		Help:      "Number of active relay subscribers.",
	})
)
