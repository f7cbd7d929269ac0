// Package metrics exposes the agent's Prometheus surface:
// registered counters/histograms (HTTP requests as observed by the
// serving layer, plus pipeline drops, engine evaluations and fires,
// upload and checkin failures) and a scrape-time Collector for live
// gauges and counts (engine evaluations and fires, queue occupancy, raw
// buffer usage, campaign counts).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleet_agent"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	HTTPResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7), // 100B → 100MB
	}, []string{"method", "path_pattern"})
)

// Pipeline / engine / upload / checkin counters. They are registered and
// exported, but no component in this module increments them, so they
// read zero; the Collector reports the live engine, pipeline and
// upload-queue counts.
var (
	PipelineSamplesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_samples_dropped_total",
		Help:      "Signal samples dropped because a consumer queue was full or no consumer was registered.",
	}, []string{"reason"})

	EngineEvaluationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_evaluations_total",
		Help:      "Total condition tree evaluations performed by the inspection engine.",
	})

	EngineFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_fires_total",
		Help:      "Total TriggeredData bundles assembled and emitted.",
	})

	UploadDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_queue_dropped_total",
		Help:      "TriggeredData bundles dropped because the upload queue was full.",
	})

	UploadFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_publish_failed_total",
		Help:      "Vehicle data publishes that failed.",
	})

	CheckinFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkin_failures_total",
		Help:      "Checkin publishes that failed and were deferred to the next interval.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPResponseSize,
		PipelineSamplesDroppedTotal,
		EngineEvaluationsTotal,
		EngineFiresTotal,
		UploadDroppedTotal,
		UploadFailedTotal,
		CheckinFailuresTotal,
	)
}

// ObserveHTTPRequest records one served diagnostics request. The
// pattern label must be a route pattern, never a raw URL path, or label
// cardinality grows without bound. The HTTP serving layer owns the
// response-writer wrapping and calls this with what it measured; this
// package holds no middleware of its own.
func ObserveHTTPRequest(method, pattern string, status int, dur time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	HTTPRequestsTotal.WithLabelValues(method, pattern, code).Inc()
	HTTPRequestDuration.WithLabelValues(method, pattern).Observe(dur.Seconds())
	HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(bytes))
}
