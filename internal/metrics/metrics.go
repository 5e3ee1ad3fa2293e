// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ordersvc"

type Metrics struct {
	CheckoutTotal        *prometheus.CounterVec
	WebhookTotal         *prometheus.CounterVec
	OutboxStaged         *prometheus.CounterVec
	OutboxPublished      *prometheus.CounterVec
	OutboxPublishErrors  *prometheus.CounterVec
	OutboxFlagged        prometheus.Counter
	OutboxBacklog        prometheus.Gauge
	NotificationsTotal   *prometheus.CounterVec
	AlertsRaised         *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Checkout attempts by result.",
		}, []string{"result"}),
		WebhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		OutboxStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_staged_total",
			Help:      "Outbox events staged, by topic.",
		}, []string{"topic"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events acknowledged by the broker, by topic.",
		}, []string{"topic"}),
		OutboxPublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_errors_total",
			Help:      "Failed outbox publish attempts, by topic.",
		}, []string{"topic"}),
		OutboxFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_flagged_total",
			Help:      "Outbox events flagged for operator attention.",
		}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_staged_backlog",
			Help:      "Outbox events still staged at the end of the last relay cycle.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by outcome.",
		}, []string{"outcome"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Operational alerts raised, by kind.",
		}, []string{"kind"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of external provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
	}

	reg.MustRegister(
		m.CheckoutTotal,
		m.WebhookTotal,
		m.OutboxStaged,
		m.OutboxPublished,
		m.OutboxPublishErrors,
		m.OutboxFlagged,
		m.OutboxBacklog,
		m.NotificationsTotal,
		m.AlertsRaised,
		m.ProviderCallDuration,
	)
	return m
}

// NewUnregistered is for tests and tools that never expose the collectors.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
