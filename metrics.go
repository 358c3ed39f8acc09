package sso

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the authority collectors. Register them once per process.
type Metrics struct {
	Operations      *prometheus.CounterVec
	TokensIssued    *prometheus.CounterVec
	OutboxDelivered prometheus.Counter
	OutboxRetried   prometheus.Counter
	OutboxDead      prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sso",
			Name:      "operations_total",
			Help:      "Authority operations by outcome code.",
		}, []string{"operation", "code"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sso",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued per audience.",
		}, []string{"audience"}),
		OutboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sso",
			Name:      "outbox_delivered_total",
			Help:      "Identity propagations accepted by audiences.",
		}),
		OutboxRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sso",
			Name:      "outbox_retried_total",
			Help:      "Identity propagations rescheduled after a failure.",
		}),
		OutboxDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sso",
			Name:      "outbox_dead_total",
			Help:      "Identity propagations abandoned after max attempts.",
		}),
	}
}

// MustRegister registers every collector with r.
func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(m.Operations, m.TokensIssued, m.OutboxDelivered, m.OutboxRetried, m.OutboxDead)
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = TextCode(err)
	}
	m.Operations.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) tokenIssued(audience string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(audience).Inc()
}

func (m *Metrics) outbox(status OutboxStatus) {
	if m == nil {
		return
	}
	switch status {
	case OutboxDelivered:
		m.OutboxDelivered.Inc()
	case OutboxPending:
		m.OutboxRetried.Inc()
	case OutboxDead:
		m.OutboxDead.Inc()
	}
}
