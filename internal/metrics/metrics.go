// Package metrics holds the Prometheus collectors for the proxy and the
// ingestion path. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeNotFound     = "not_found"
	OutcomeUpstream     = "upstream_error"
	OutcomeClientGone   = "client_gone"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodproxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Streaming proxy metrics
var (
	StreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodproxy_stream_requests_total",
			Help: "Streaming proxy requests by outcome",
		},
		[]string{"outcome"},
	)

	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodproxy_stream_bytes_total",
			Help: "Bytes relayed from the media source to clients",
		},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodproxy_streams_active",
			Help: "Number of responses currently being relayed",
		},
	)
)

// Ingestion metrics
var (
	IngestJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodproxy_ingest_jobs_total",
			Help: "Ingestion requests by outcome",
		},
		[]string{"outcome"}, // success, forbidden, invalid, in_progress, thumbnail_failed, transcode_failed, error
	)

	IngestJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodproxy_ingest_jobs_in_flight",
			Help: "Number of ingestion jobs holding a transcode slot",
		},
	)

	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodproxy_transcode_duration_seconds",
			Help:    "Wall time of the transcode pipeline",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	TranscodePeakRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodproxy_transcode_last_peak_rss_bytes",
			Help: "Peak resident memory of the most recent encoder process",
		},
	)
)

// Maintenance metrics
var (
	CleanupRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodproxy_cleanup_removed_total",
			Help: "Work directories and temp files removed by the cleanup sweep",
		},
		[]string{"kind"}, // failed, orphan, temp
	)

	CleanupLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodproxy_cleanup_last_run_timestamp",
			Help: "Unix timestamp of the last cleanup sweep",
		},
	)
)

// RecordStream records the outcome of one proxied request.
func RecordStream(outcome string, bytes int64) {
	StreamRequestsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		StreamBytesTotal.Add(float64(bytes))
	}
}
