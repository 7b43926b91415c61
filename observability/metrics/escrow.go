package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowd/escrow"
)

// EscrowMetrics tracks state machine activity for dashboards and alerting.
type EscrowMetrics struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	transferFailures prometheus.Counter
	openLedgers      prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics, registering them on first
// use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Count of successful escrow state transitions by kind.",
			}, []string{"transition"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_rejections_total",
				Help: "Count of rejected escrow operations by reason.",
			}, []string{"reason"}),
			transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_transfer_failures_total",
				Help: "Number of terminal transitions rolled back after a failed transfer.",
			}),
			openLedgers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_open_ledgers",
				Help: "Number of escrow ledgers not yet resolved.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rejections,
			escrowRegistry.transferFailures,
			escrowRegistry.openLedgers,
		)
	})
	return escrowRegistry
}

// ObserveTransition records a successful transition (deposited, approved,
// disputed, resolved, refunded).
func (m *EscrowMetrics) ObserveTransition(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.transitions.WithLabelValues(kind).Inc()
}

// ObserveRejection records a rejected operation by reason label.
func (m *EscrowMetrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveTransferFailure records a rolled-back terminal transition.
func (m *EscrowMetrics) ObserveTransferFailure() {
	if m == nil {
		return
	}
	m.transferFailures.Inc()
}

// ObserveError records the metrics impact of a rejected escrow operation.
// Every transport surface routes its domain errors through here so the
// rejection counters agree regardless of how the request arrived.
func (m *EscrowMetrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		m.ObserveRejection("not_found")
	case errors.Is(err, escrow.ErrUnauthorized):
		m.ObserveRejection("unauthorized")
	case errors.Is(err, escrow.ErrAlreadyResolved):
		m.ObserveRejection("already_resolved")
	case errors.Is(err, escrow.ErrAlreadyApproved):
		m.ObserveRejection("already_approved")
	case errors.Is(err, escrow.ErrNoActiveDispute):
		m.ObserveRejection("no_active_dispute")
	case errors.Is(err, escrow.ErrInvalidRecipient),
		errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrInvalidAmount):
		m.ObserveRejection("invalid_params")
	case errors.Is(err, escrow.ErrTransferFailed):
		m.ObserveTransferFailure()
	default:
		m.ObserveRejection("internal")
	}
}

// LedgerOpened increments the open ledger gauge.
func (m *EscrowMetrics) LedgerOpened() {
	if m == nil {
		return
	}
	m.openLedgers.Inc()
}

// LedgerResolved decrements the open ledger gauge.
func (m *EscrowMetrics) LedgerResolved() {
	if m == nil {
		return
	}
	m.openLedgers.Dec()
}
