// Package metrics defines the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of subscription deliveries by outcome",
		},
		[]string{"outcome", "stage"}, // delivered, delivered_via_redirect, failed
	)

	DeliveryHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_hops",
			Help:    "HTTP calls made per delivery",
			Buckets: []float64{1, 2, 3},
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of a full delivery chain",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Intake metrics
var (
	IntakeResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_responses_total",
			Help: "Total number of intake responses",
		},
		[]string{"handler", "status"},
	)

	WebhookUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_updates_total",
			Help: "Total number of chat updates by kind",
		},
		[]string{"kind"}, // start, web_app_data, ignored, invalid
	)

	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of outbound chat messages",
		},
		[]string{"result"}, // sent, failed
	)
)
