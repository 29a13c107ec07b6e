package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerdMetrics records ledgerd HTTP activity.
type LedgerdMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	snapshots *prometheus.CounterVec
	lastSeq   prometheus.Gauge
}

var (
	ledgerdMetricsOnce sync.Once
	ledgerdRegistry    *LedgerdMetrics
)

// Ledgerd returns the lazily-initialised ledgerd metrics registry.
func Ledgerd() *LedgerdMetrics {
	ledgerdMetricsOnce.Do(func() {
		ledgerdRegistry = &LedgerdMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "requests_total",
				Help:      "Total ledgerd API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "errors_total",
				Help:      "Total ledgerd API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledgerd API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "throttles_total",
				Help:      "Count of ledgerd requests rejected by the rate limiter.",
			}, []string{"route"}),
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "snapshots_total",
				Help:      "Ledger snapshots written to disk segmented by outcome.",
			}, []string{"outcome"}),
			lastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Subsystem: "ledgerd",
				Name:      "snapshot_sequence",
				Help:      "Sequence number of the newest persisted snapshot.",
			}),
		}
		prometheus.MustRegister(
			ledgerdRegistry.requests,
			ledgerdRegistry.errors,
			ledgerdRegistry.latency,
			ledgerdRegistry.throttles,
			ledgerdRegistry.snapshots,
			ledgerdRegistry.lastSeq,
		)
	})
	return ledgerdRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *LedgerdMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	method = normalizeLabel(method)
	outcome := "success"
	if status >= http.StatusBadRequest {
		outcome = "error"
		m.errors.WithLabelValues(route, http.StatusText(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *LedgerdMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route)).Inc()
}

// RecordSnapshot counts a snapshot attempt and publishes its sequence on
// success.
func (m *LedgerdMetrics) RecordSnapshot(seq uint64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshots.WithLabelValues("error").Inc()
		return
	}
	m.snapshots.WithLabelValues("success").Inc()
	m.lastSeq.Set(float64(seq))
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
