// Package metrics holds the Prometheus collectors shared by the control-plane
// services. Collectors register with the default registry and are exposed
// on /metrics via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publisher metrics
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_events_published_total",
			Help: "Total number of event publishes by queue, event type and result",
		},
		[]string{"queue", "event_type", "result"},
	)

	PublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_publish_retries_total",
			Help: "Total number of publish retries after broker errors",
		},
		[]string{"queue"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_publish_duration_seconds",
			Help:    "Duration of confirmed publishes including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Webhook metrics
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_webhooks_total",
			Help: "Total number of provider webhooks by provider type and HTTP status",
		},
		[]string{"provider_type", "status"},
	)

	// Consumer metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_deliveries_total",
			Help: "Total number of deliveries handled by consumer, event type and outcome",
		},
		[]string{"consumer", "event_type", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_handler_duration_seconds",
			Help:    "Duration of event handler execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer", "event_type"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_dead_letters_total",
			Help: "Total number of deliveries routed to the dead-letter queue",
		},
		[]string{"consumer", "reason"},
	)

	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_deliveries_in_flight",
			Help: "Deliveries currently being handled",
		},
		[]string{"consumer"},
	)

	AbandonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_deliveries_abandoned_total",
			Help: "Deliveries left unsettled when the drain timeout expired",
		},
		[]string{"consumer"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_rate_limit_hits_total",
			Help: "Requests rejected by the webhook rate limiter",
		},
		[]string{"route"},
	)

	// Tenant lifecycle metrics
	TenantTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_tenant_transitions_total",
			Help: "Total number of tenant state transitions",
		},
		[]string{"from", "to"},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_notifications_sent_total",
			Help: "Total number of notification send attempts by template, sender and result",
		},
		[]string{"template", "sender", "result"},
	)
)

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
