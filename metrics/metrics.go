// Package metrics holds the process-wide prometheus collectors, grounded
// in the teacher's hook.Server.Metrics field and its
// GetMetricWithLabelValues call idiom (hook/server.go).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ingest counts and times the inbound endpoints.
var Ingest = struct {
	WebhookEvents  *prometheus.CounterVec
	CIEvents       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
}{
	WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cinch_webhook_events_total",
		Help: "Count of provider webhook events received, by event type.",
	}, []string{"event_type"}),
	CIEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cinch_ci_events_total",
		Help: "Count of CI notification requests received, by endpoint.",
	}, []string{"endpoint"}),
	RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cinch_ingest_request_duration_seconds",
		Help: "Ingest endpoint handler latency.",
	}, []string{"endpoint"}),
}

// Worker counts events processed and outbound status pushes.
var Worker = struct {
	EventsProcessed *prometheus.CounterVec
	StatusPushes    *prometheus.CounterVec
}{
	EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cinch_worker_events_processed_total",
		Help: "Count of bus events processed, by kind and outcome.",
	}, []string{"kind", "outcome"}),
	StatusPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cinch_worker_status_pushes_total",
		Help: "Count of outbound provider status pushes, by state.",
	}, []string{"state"}),
}

func init() {
	prometheus.MustRegister(
		Ingest.WebhookEvents,
		Ingest.CIEvents,
		Ingest.RequestLatency,
		Worker.EventsProcessed,
		Worker.StatusPushes,
	)
}

// IncWebhook increments the webhook counter for eventType, logging never
// fails the caller the way hook.Server.demuxEvent treats a metrics miss
// as non-fatal.
func IncWebhook(eventType string) {
	if c, err := Ingest.WebhookEvents.GetMetricWithLabelValues(eventType); err == nil {
		c.Inc()
	}
}

// IncCI increments the CI-endpoint counter.
func IncCI(endpoint string) {
	if c, err := Ingest.CIEvents.GetMetricWithLabelValues(endpoint); err == nil {
		c.Inc()
	}
}
