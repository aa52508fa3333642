// Package metrics provides Prometheus collectors for the search service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts inbound HTTP requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests served by the application",
		},
		[]string{"method", "path", "status_code"},
	)

	// HTTPRequestDuration measures inbound request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SocrataRequestsTotal counts upstream calls by source and status code.
	SocrataRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socrata_requests_total",
			Help: "Total Socrata requests by source and status code",
		},
		[]string{"source", "status_code"},
	)

	// SocrataRequestDuration measures upstream call latency per source.
	SocrataRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socrata_request_duration_seconds",
			Help:    "Socrata request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// SocrataErrorsTotal counts upstream failures by error class.
	SocrataErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socrata_errors_total",
			Help: "Socrata request errors by source and error type",
		},
		[]string{"source", "error_type"},
	)

	// ThrottleBlockedTotal counts admission denials by scope.
	ThrottleBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttle_blocked_total",
			Help: "Search requests denied by the admission controller",
		},
		[]string{"scope"},
	)
)

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path, statusCode string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordSocrataRequest records one completed upstream call.
func RecordSocrataRequest(source, statusCode string, duration float64) {
	SocrataRequestsTotal.WithLabelValues(source, statusCode).Inc()
	SocrataRequestDuration.WithLabelValues(source).Observe(duration)
}

// RecordSocrataError records an upstream failure.
func RecordSocrataError(source, errorType string) {
	SocrataErrorsTotal.WithLabelValues(source, errorType).Inc()
}

// RecordThrottleBlocked records an admission denial.
func RecordThrottleBlocked(scope string) {
	ThrottleBlockedTotal.WithLabelValues(scope).Inc()
}
