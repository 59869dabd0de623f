// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the bridge records. One instance is shared
// through the app; a fresh registry per instance keeps tests isolated.
type Metrics struct {
	Registry *prometheus.Registry

	WebhookRequests  *prometheus.CounterVec
	EventsEnqueued   prometheus.Counter
	EventsProcessed  *prometheus.CounterVec
	DeadLetters      prometheus.Counter
	PipelineDuration prometheus.Histogram
	RuntimeCalls     *prometheus.CounterVec
	ProviderSends    *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	SessionsCleaned  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_webhook_requests_total",
			Help: "Inbound webhook requests by platform and result.",
		}, []string{"platform", "result"}),
		EventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_events_enqueued_total",
			Help: "Events durably accepted into the queue.",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_events_processed_total",
			Help: "Drained events by terminal status.",
		}, []string{"status"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_dead_letters_total",
			Help: "Events routed to the dead letter table.",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbridge_pipeline_duration_seconds",
			Help:    "Wall-clock time to process one claimed event.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RuntimeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_runtime_calls_total",
			Help: "AI runtime interactions by result.",
		}, []string{"result"}),
		ProviderSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_provider_sends_total",
			Help: "Outbound provider sends by platform and result.",
		}, []string{"platform", "result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_token_refreshes_total",
			Help: "Credential refresh attempts by result.",
		}, []string{"result"}),
		SessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_sessions_cleaned_total",
			Help: "Expired sessions removed by the cleanup sweep.",
		}),
	}
	m.Registry.MustRegister(
		m.WebhookRequests,
		m.EventsEnqueued,
		m.EventsProcessed,
		m.DeadLetters,
		m.PipelineDuration,
		m.RuntimeCalls,
		m.ProviderSends,
		m.TokenRefreshes,
		m.SessionsCleaned,
	)
	return m
}
