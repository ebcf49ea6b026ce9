// Package metrics provides Prometheus metrics for Kestrel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kestrel"

var (
	// HTTPRequestTotal counts requests by method, route and status.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route, and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDurationSeconds is request latency by route.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "route"},
	)

	// AnalysisRunsTotal counts analysis runs by outcome (completed, cached, failed).
	AnalysisRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Total number of population analysis runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AnalysisDurationSeconds is end-to-end pipeline latency.
	AnalysisDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Population analysis duration in seconds, fetch to persist.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10), // 10ms to ~38s
		},
	)

	// DetectorDurationSeconds is per-detector run latency.
	DetectorDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Detector run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 3, 10),
		},
		[]string{"detector"},
	)

	// DetectorRunsTotal counts detector outcomes (completed, skipped_*, failed).
	DetectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_runs_total",
			Help:      "Total number of detector runs by detector and status.",
		},
		[]string{"detector", "status"},
	)

	// RowsScoredTotal counts rows that went through the aggregator.
	RowsScoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_scored_total",
			Help:      "Total number of rows scored.",
		},
	)

	// RowsFlaggedTotal counts rows that received at least one risk factor.
	RowsFlaggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_flagged_total",
			Help:      "Total number of rows with a non-zero risk score.",
		},
	)

	// PersistFailuresTotal counts risk writes that failed after all retries.
	PersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of row risk writes that failed.",
		},
	)

	// CacheLookupsTotal counts report cache lookups by result (hit, miss, stale).
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of analysis report cache lookups by result.",
		},
		[]string{"result"},
	)
)
