// Package metrics provides Prometheus metrics for ndnchunks observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ndnchunks"

// Label constants for consistent labeling across metrics.
const (
	LabelResult = "result" // hit, miss, success, failure
	LabelReason = "reason" // not_found, stale, malformed
)

// Reason label values.
const (
	ReasonNotFound  = "not_found"
	ReasonStale     = "stale"
	ReasonMalformed = "malformed"
)

// Result label values.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Counters track cumulative values that only increase.
var (
	// InterestsSentTotal counts segment requests expressed, including re-expressions.
	InterestsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interests_sent_total",
			Help:      "Total segment interests expressed",
		},
	)

	// ContentReceivedTotal counts content responses accepted by the fetcher.
	ContentReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_received_total",
			Help:      "Total content responses accepted",
		},
	)

	// DuplicatesTotal counts responses discarded as duplicates or out of window.
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total duplicate or out-of-window responses discarded",
		},
	)

	// HolesTotal counts stalls detected by the hole filler.
	HolesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holes_total",
			Help:      "Total delivery holes detected",
		},
	)

	// TimeoutsTotal counts interest timeouts reported by the transport.
	TimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total interest timeouts",
		},
	)

	// UnverifiedTotal counts unverified responses accepted.
	UnverifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unverified_total",
			Help:      "Total unverified responses accepted",
		},
	)

	// BytesDeliveredTotal counts bytes written to the output sink in order.
	BytesDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_delivered_total",
			Help:      "Total bytes delivered in order",
		},
	)

	// SessionsTotal counts finished fetch sessions by result.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total fetch sessions by result",
		},
		[]string{LabelResult},
	)

	// SegmentsServedTotal counts segments returned by the publisher.
	SegmentsServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_served_total",
			Help:      "Total segments served by the publisher",
		},
	)

	// BytesServedTotal counts payload bytes returned by the publisher.
	BytesServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_served_total",
			Help:      "Total payload bytes served by the publisher",
		},
	)

	// InterestsRejectedTotal counts interests the publisher could not satisfy.
	InterestsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interests_rejected_total",
			Help:      "Total interests rejected by the publisher",
		},
		[]string{LabelReason},
	)

	// HealthCheckCacheTotal counts cached health check lookups.
	HealthCheckCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_cache_total",
			Help:      "Health check cache hits and misses",
		},
		[]string{LabelResult},
	)
)

// Gauges track values that can go up or down.
var (
	// PipelineWindow tracks the current congestion window of the fetcher.
	PipelineWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_window",
			Help:      "Current pipeline window (max outstanding segment requests)",
		},
	)

	// OutstandingSegments tracks segments requested or buffered but not yet delivered.
	OutstandingSegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_segments",
			Help:      "Segments requested or buffered but not yet delivered",
		},
	)

	// SmoothedRTTSeconds tracks the smoothed round-trip estimate.
	SmoothedRTTSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smoothed_rtt_seconds",
			Help:      "Smoothed segment round-trip time estimate",
		},
	)
)

// Histograms track distributions of values.
var (
	// SegmentRTTSeconds tracks matched request/response round-trip times.
	SegmentRTTSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_rtt_seconds",
			Help:      "Round-trip time for segment requests",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// SessionDuration tracks fetch session wall-clock time.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Fetch session duration",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{LabelResult},
	)
)
