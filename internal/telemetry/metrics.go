// Package telemetry holds the service's prometheus collectors, exported on
// /metrics by the HTTP server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts terminal governance decisions.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwatch",
		Name:      "decisions_total",
		Help:      "Terminal governance decisions by decision and reason",
	}, []string{"decision", "reason"})

	// StageFailuresTotal counts pipeline stage failures converted to HALT.
	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwatch",
		Name:      "stage_failures_total",
		Help:      "Governance stage failures absorbed by the fail-closed path",
	}, []string{"stage"})

	// GraphFailoversTotal counts primary-to-fallback store switches. At most
	// one per process lifetime.
	GraphFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentwatch",
		Name:      "graph_failovers_total",
		Help:      "Step graph store failovers from the primary backend",
	})

	// GraphActiveBackend is 1 for the backend currently serving operations.
	GraphActiveBackend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentwatch",
		Name:      "graph_active_backend",
		Help:      "Active step graph backend (1 = active)",
	}, []string{"backend"})

	// WebhookDeliveriesTotal counts HALT webhook dispatch outcomes.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwatch",
		Name:      "webhook_deliveries_total",
		Help:      "Circuit-breaker webhook deliveries by outcome",
	}, []string{"outcome"})

	// FeedSubscribers tracks connected live-feed subscribers.
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentwatch",
		Name:      "feed_subscribers",
		Help:      "Connected live decision feed subscribers",
	})
)
