// Package metrics registers the platform's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the platform exports. One instance is built
// at startup and threaded through the components that record.
type Metrics struct {
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	ChainAppends      *prometheus.CounterVec
	ChainRetries      prometheus.Counter
	StorageOps        *prometheus.CounterVec
	CasesCreated      *prometheus.CounterVec
	EvidenceUploads   prometheus.Counter
	Notifications     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	ActiveWebsockets  prometheus.Gauge
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production; tests pass a fresh registry
// so parallel packages never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ChainAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_chain_appends_total",
				Help: "Audit chain append attempts",
			},
			[]string{"result"}, // ok, conflict, error
		),
		ChainRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_chain_append_retries_total",
				Help: "Audit chain append retries after write conflicts",
			},
		),
		StorageOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_storage_ops_total",
				Help: "Blob storage operations",
			},
			[]string{"op", "result"}, // op: put, sign, delete
		),
		CasesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_cases_created_total",
				Help: "Cases created",
			},
			[]string{"case_type"},
		),
		EvidenceUploads: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_evidence_uploads_total",
				Help: "Evidence files uploaded",
			},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_notifications_total",
				Help: "Notifications created",
			},
			[]string{"priority"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_webhook_deliveries_total",
				Help: "Webhook delivery attempts",
			},
			[]string{"result"}, // delivered, failed
		),
		ActiveWebsockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_active_websockets",
				Help: "Open notification websocket connections",
			},
		),
	}
}
