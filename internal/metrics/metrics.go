package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transmissions        *prometheus.CounterVec
	TransmissionDuration *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
	DeadLetters          prometheus.Gauge
	RetryAttempts        *prometheus.CounterVec
	AuditFindings        *prometheus.CounterVec
	CredentialExpiryDays prometheus.Gauge
	AuthorityAvailable   *prometheus.GaugeVec
}

// New registers the collectors on reg. Use prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_transmissions_total",
			Help: "Authority calls by operation and failure kind",
		}, []string{"operation", "result"}),
		TransmissionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fiscal_transmission_duration_seconds",
			Help:    "Authority call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 100},
		}, []string{"operation"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "fiscal_retry_queue_depth",
			Help: "Items waiting in the retry queue",
		}),
		DeadLetters: f.NewGauge(prometheus.GaugeOpts{
			Name: "fiscal_dead_letters",
			Help: "Dead-letter records awaiting manual handling",
		}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_retry_attempts_total",
			Help: "Resubmission attempts by outcome",
		}, []string{"outcome"}),
		AuditFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscal_audit_findings_total",
			Help: "Audit findings by category and severity",
		}, []string{"category", "severity"}),
		CredentialExpiryDays: f.NewGauge(prometheus.GaugeOpts{
			Name: "fiscal_credential_expiry_days",
			Help: "Days until the signing certificate expires",
		}),
		AuthorityAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiscal_authority_available",
			Help: "1 when the state authority answered service status 107",
		}, []string{"state"}),
	}
}

// ObserveTransmission records one authority call.
func (m *Metrics) ObserveTransmission(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Transmissions.WithLabelValues(operation, result).Inc()
	m.TransmissionDuration.WithLabelValues(operation).Observe(seconds)
}

// SetQueueDepth sets the retry queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetDeadLetters sets the dead-letter gauge.
func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.DeadLetters.Set(float64(n))
}

// IncRetry counts a resubmission outcome (success, transient, dead_letter).
func (m *Metrics) IncRetry(outcome string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(outcome).Inc()
}

// IncFinding counts an audit finding.
func (m *Metrics) IncFinding(category, severity string) {
	if m == nil {
		return
	}
	m.AuditFindings.WithLabelValues(category, severity).Inc()
}

// SetCredentialExpiry sets the days-to-expiry gauge.
func (m *Metrics) SetCredentialExpiry(days float64) {
	if m == nil {
		return
	}
	m.CredentialExpiryDays.Set(days)
}

// SetAuthorityAvailable records the last service status of a state.
func (m *Metrics) SetAuthorityAvailable(state string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.AuthorityAvailable.WithLabelValues(state).Set(v)
}
