// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts inbound chat messages by classified intent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckbot_messages_total",
			Help: "Inbound chat messages by intent",
		},
		[]string{"intent"},
	)

	// SynthesisDuration tracks end-to-end deck synthesis time.
	SynthesisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckbot_synthesis_duration_seconds",
			Help:    "Slide deck synthesis duration in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	// SynthesisTotal counts synthesis attempts by outcome.
	SynthesisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckbot_synthesis_total",
			Help: "Slide deck synthesis attempts",
		},
		[]string{"status"},
	)

	// HistoryErrorsTotal counts failed history store operations.
	HistoryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckbot_history_errors_total",
			Help: "Failed history store operations",
		},
		[]string{"op"},
	)

	// SessionsActive reports the number of sessions held in memory.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deckbot_sessions_active",
			Help: "Conversation sessions currently held in memory",
		},
	)

	// SessionsEvictedTotal counts evicted sessions.
	SessionsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckbot_sessions_evicted_total",
			Help: "Conversation sessions evicted from memory",
		},
		[]string{"reason"},
	)

	// OutboundErrorsTotal counts replies a channel failed to deliver.
	OutboundErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckbot_outbound_errors_total",
			Help: "Replies a channel failed to deliver",
		},
		[]string{"channel"},
	)
)
