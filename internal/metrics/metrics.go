// Package metrics exposes prometheus counters for the client core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client core counters.
type Metrics struct {
	TxSubmitted *prometheus.CounterVec
	TxConfirmed *prometheus.CounterVec
	TxReverted  *prometheus.CounterVec
	TxRejected  *prometheus.CounterVec

	Decryptions      prometheus.Counter
	DecryptionErrors prometheus.Counter
	OperationErrors  *prometheus.CounterVec
	SessionsResolved prometheus.Counter
}

// New registers the client core counters on the given registerer. Pass
// prometheus.NewRegistry() in tests to avoid default-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TxSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherdice_tx_submitted_total",
			Help: "Transactions submitted to the ledger, by kind.",
		}, []string{"kind"}),
		TxConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherdice_tx_confirmed_total",
			Help: "Transactions confirmed by the ledger, by kind.",
		}, []string{"kind"}),
		TxReverted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherdice_tx_reverted_total",
			Help: "Transactions reverted by the ledger, by kind.",
		}, []string{"kind"}),
		TxRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherdice_tx_rejected_total",
			Help: "Transactions rejected by the signer before broadcast, by kind.",
		}, []string{"kind"}),
		Decryptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherdice_decryptions_total",
			Help: "Successful decryption requests.",
		}),
		DecryptionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherdice_decryption_errors_total",
			Help: "Failed decryption requests.",
		}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherdice_operation_errors_total",
			Help: "Orchestrator operation failures, by error kind.",
		}, []string{"kind"}),
		SessionsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "cipherdice_sessions_resolved_total",
			Help: "Game sessions resolved to a final outcome.",
		}),
	}
}

// NewUnregistered creates metrics on a throwaway registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
