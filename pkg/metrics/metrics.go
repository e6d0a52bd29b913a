// Package metrics exposes Prometheus collectors for transactions and lock
// waits. A nil *Registry is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded for finalized transactions.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Registry groups the collectors of the transaction layer.
type Registry struct {
	registry *prometheus.Registry

	TransactionsStarted  *prometheus.CounterVec
	TransactionsFinished *prometheus.CounterVec
	TransactionDuration  *prometheus.HistogramVec
	ProxiesPerTx         *prometheus.HistogramVec
	LockWaitDuration     *prometheus.HistogramVec
	LockTimeouts         *prometheus.CounterVec
}

// NewRegistry creates a registry with its own Prometheus registerer.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	f := promauto.With(r.registry)

	r.TransactionsStarted = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txcache_transactions_started_total",
			Help: "Total number of transactions started",
		},
		[]string{"mode"},
	)
	r.TransactionsFinished = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txcache_transactions_finished_total",
			Help: "Total number of finalized transactions by outcome",
		},
		[]string{"mode", "outcome"},
	)
	r.TransactionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txcache_transaction_duration_seconds",
			Help:    "Time from transaction start to finalization",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"mode"},
	)
	r.ProxiesPerTx = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txcache_transaction_backends",
			Help:    "Number of backends touched by a transaction",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
		[]string{"mode"},
	)
	r.LockWaitDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txcache_lock_wait_seconds",
			Help:    "Time spent waiting for transaction locks",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"mode"},
	)
	r.LockTimeouts = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txcache_lock_timeouts_total",
			Help: "Total number of lock waits that hit the transaction timeout",
		},
		[]string{"mode"},
	)
	return r
}

// Prometheus returns the underlying registry for exposition.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordStart records a started transaction.
func (r *Registry) RecordStart(mode string) {
	if r == nil {
		return
	}
	r.TransactionsStarted.WithLabelValues(mode).Inc()
}

// RecordFinish records a finalized transaction.
func (r *Registry) RecordFinish(mode, outcome string, backends int, duration time.Duration) {
	if r == nil {
		return
	}
	r.TransactionsFinished.WithLabelValues(mode, outcome).Inc()
	r.TransactionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	r.ProxiesPerTx.WithLabelValues(mode).Observe(float64(backends))
}

// RecordLockWait records a lock wait and whether it timed out.
func (r *Registry) RecordLockWait(mode string, wait time.Duration, timedOut bool) {
	if r == nil {
		return
	}
	r.LockWaitDuration.WithLabelValues(mode).Observe(wait.Seconds())
	if timedOut {
		r.LockTimeouts.WithLabelValues(mode).Inc()
	}
}
