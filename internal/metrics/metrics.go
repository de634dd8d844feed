// Package metrics exposes Prometheus counters for authentication and audit
// outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Metrics holds the counters shared by the services.
type Metrics struct {
	AdminLogins        *prometheus.CounterVec
	KeyValidations     *prometheus.CounterVec
	KeysIssued         prometheus.Counter
	KeysRevoked        prometheus.Counter
	KeysExpired        prometheus.Counter
	AuditWriteFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the counters and registers them with reg. If reg is also a
// Gatherer, Handler serves it; otherwise Handler serves the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdminLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_logins_total",
			Help:      "Administrator login attempts by result.",
		}, []string{"result"}),
		KeyValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_validations_total",
			Help:      "Temporary key validations by result reason.",
		}, []string{"result"}),
		KeysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "Temporary keys generated.",
		}),
		KeysRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_revoked_total",
			Help:      "Temporary keys revoked.",
		}),
		KeysExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_expired_total",
			Help:      "Temporary keys moved to expired by the sweeper.",
		}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Access log entries that could not be persisted.",
		}),
		gatherer: prometheus.DefaultGatherer,
	}
	reg.MustRegister(
		m.AdminLogins,
		m.KeyValidations,
		m.KeysIssued,
		m.KeysRevoked,
		m.KeysExpired,
		m.AuditWriteFailures,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) AdminLogin(result string) {
	if m == nil {
		return
	}
	m.AdminLogins.WithLabelValues(result).Inc()
}

func (m *Metrics) KeyValidation(result string) {
	if m == nil {
		return
	}
	m.KeyValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.KeysIssued.Inc()
}

func (m *Metrics) KeyRevoked() {
	if m == nil {
		return
	}
	m.KeysRevoked.Inc()
}

func (m *Metrics) KeysExpiredBy(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.KeysExpired.Add(float64(n))
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}
