package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics counts emitted ledger events.
type EventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventMetrics     *EventMetrics
)

// Events returns the process wide event counters.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventMetrics = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Ledger events emitted, by component family and event type.",
			}, []string{"family", "type"}),
		}
		prometheus.MustRegister(eventMetrics.emitted)
	})
	return eventMetrics
}

// Record counts one event. Types are dotted ("vesting.claimed"); the part
// before the first dot is the family label.
func (m *EventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	family, _, found := strings.Cut(eventType, ".")
	if !found {
		family = "other"
	}
	m.emitted.WithLabelValues(family, eventType).Inc()
}
