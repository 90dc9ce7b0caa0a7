package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	created             prometheus.Counter
	deposits            prometheus.Counter
	approvals           *prometheus.CounterVec
	resolutions         *prometheus.CounterVec
	custodyFailures     *prometheus.CounterVec
	signatureRejections *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_created_total",
				Help: "Count of escrows created.",
			}),
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_deposits_total",
				Help: "Count of buyer payments taken into custody.",
			}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_approvals_total",
				Help: "Count of recorded approvals by submission path.",
			}, []string{"path"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_resolutions_total",
				Help: "Count of terminal transitions by outcome.",
			}, []string{"outcome"}),
			custodyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_custody_failures_total",
				Help: "Count of failed external custody transfers by operation.",
			}, []string{"op"}),
			signatureRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_signature_rejections_total",
				Help: "Count of rejected off-chain approval signatures by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			escrowRegistry.created,
			escrowRegistry.deposits,
			escrowRegistry.approvals,
			escrowRegistry.resolutions,
			escrowRegistry.custodyFailures,
			escrowRegistry.signatureRejections,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *EscrowMetrics) ObserveDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}

func (m *EscrowMetrics) ObserveApproval(path string) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.approvals.WithLabelValues(path).Inc()
}

func (m *EscrowMetrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) ObserveCustodyFailure(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.custodyFailures.WithLabelValues(op).Inc()
}

func (m *EscrowMetrics) ObserveSignatureRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.signatureRejections.WithLabelValues(reason).Inc()
}
