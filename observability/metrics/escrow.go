package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	operations        *prometheus.CounterVec
	reentrancyBlocked *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	custody           prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Count of ledger operations by name and outcome code.",
			}, []string{"op", "outcome"}),
			reentrancyBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_reentrancy_blocked_total",
				Help: "Number of nested calls rejected by the reentrancy guard.",
			}, []string{"op"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_value_transfers_total",
				Help: "Value movements executed by the bank by kind and result.",
			}, []string{"kind", "result"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_custody_balance",
				Help: "Funds currently held in the ledger custody account.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.reentrancyBlocked,
			escrowRegistry.transfers,
			escrowRegistry.custody,
		)
	})
	return escrowRegistry
}

// RecordOperation counts a finished ledger operation. An empty outcome is
// recorded as "ok".
func (m *EscrowMetrics) RecordOperation(op, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordReentrancyBlocked counts a nested entry rejected by the guard.
func (m *EscrowMetrics) RecordReentrancyBlocked(op string) {
	if m == nil {
		return
	}
	m.reentrancyBlocked.WithLabelValues(op).Inc()
}

// RecordTransfer counts a bank value movement.
func (m *EscrowMetrics) RecordTransfer(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transfers.WithLabelValues(kind, result).Inc()
}

// SetCustody publishes the current custody balance.
func (m *EscrowMetrics) SetCustody(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	m.custody.Set(f)
}
