package metrics

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records staking, reward and vesting activity.
type LedgerMetrics struct {
	operations  *prometheus.CounterVec
	volume      *prometheus.CounterVec
	distributed *prometheus.CounterVec
	supply      *prometheus.GaugeVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process wide ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by component, operation and outcome.",
			}, []string{"component", "operation", "outcome"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Name:      "operation_volume",
				Help:      "Token volume moved by successful ledger operations.",
			}, []string{"component", "operation"}),
			distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Name:      "rewards_distributed",
				Help:      "Reward tokens released into trackers by their distributors.",
			}, []string{"tracker"}),
			supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stakeledger",
				Name:      "tracker_supply",
				Help:      "Current issued supply per tracker.",
			}, []string{"tracker"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.volume,
			ledgerRegistry.distributed,
			ledgerRegistry.supply,
		)
	})
	return ledgerRegistry
}

// ObserveOperation counts one operation attempt. A nil error is recorded as
// "ok", anything else as "rejected".
func (m *LedgerMetrics) ObserveOperation(component, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.operations.WithLabelValues(label(component), label(operation), outcome).Inc()
}

// AddVolume adds amount to the volume counter of a successful operation.
func (m *LedgerMetrics) AddVolume(component, operation string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.volume.WithLabelValues(label(component), label(operation)).Add(toFloat(amount))
}

// AddDistributed records emissions released into tracker.
func (m *LedgerMetrics) AddDistributed(tracker string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.distributed.WithLabelValues(label(tracker)).Add(toFloat(amount))
}

// SetTrackerSupply publishes the issued supply of tracker.
func (m *LedgerMetrics) SetTrackerSupply(tracker string, supply *big.Int) {
	if m == nil || supply == nil {
		return
	}
	m.supply.WithLabelValues(label(tracker)).Set(toFloat(supply))
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
