// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts accepted orders by type.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolengine",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Orders accepted into the queue.",
	}, []string{"type"})

	// OrdersProcessed counts finished processing attempts by type and outcome.
	OrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolengine",
		Subsystem: "orders",
		Name:      "processed_total",
		Help:      "Order processing attempts by outcome.",
	}, []string{"type", "outcome"})

	// OrderExecutionSeconds observes end to end execution latency.
	OrderExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "poolengine",
		Subsystem: "orders",
		Name:      "execution_seconds",
		Help:      "Order execution latency.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"type"})

	// PoolBalance exports the tracked balance per wallet and token.
	PoolBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poolengine",
		Subsystem: "pool",
		Name:      "balance",
		Help:      "Tracked pool balance.",
	}, []string{"wallet_id", "token"})

	// ReplenishmentsOpen exports the number of open replenishment jobs.
	ReplenishmentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "poolengine",
		Subsystem: "pool",
		Name:      "replenishments_open",
		Help:      "Replenishment jobs awaiting fulfillment.",
	})

	// HTTPRequests counts API requests by route, method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolengine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests served.",
	}, []string{"route", "method", "status"})
)
