// Package metrics registers the Prometheus instruments of the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OffersCreated counts dispatch offers persisted.
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resq_dispatch_offers_created_total",
		Help: "Dispatch offers persisted.",
	})

	// AcceptAttempts counts acceptance calls by outcome (won, lost, error).
	AcceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resq_dispatch_accept_attempts_total",
		Help: "Job acceptance attempts by outcome.",
	}, []string{"outcome"})

	// Finalizations counts payment finalizations by path and duplicate flag.
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resq_payment_finalizations_total",
		Help: "Payment finalizations by source path.",
	}, []string{"source", "duplicate"})

	// WebhookResults counts webhook deliveries by disposition.
	WebhookResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resq_webhook_deliveries_total",
		Help: "Gateway webhook deliveries by disposition.",
	}, []string{"disposition"})

	// PushEvents counts realtime events emitted by name.
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resq_push_events_total",
		Help: "Realtime push events emitted.",
	}, []string{"event"})
)
