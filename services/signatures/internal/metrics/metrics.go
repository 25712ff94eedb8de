package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "openletter"

// Metrics counts signature lifecycle outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	created             prometheus.Counter
	verified            prometheus.Counter
	revoked             prometheus.Counter
	duplicateEmails     prometheus.Counter
	invalidTokens       *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	compensations       *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}
	factory := promauto.With(registry)
	return &Metrics{
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_created_total",
			Help:      "Pending signatures created with a confirmation email sent",
		}),
		verified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_verified_total",
			Help:      "Signatures confirmed through their emailed link",
		}),
		revoked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_revoked_total",
			Help:      "Verified signatures retracted by their signer",
		}),
		duplicateEmails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_duplicate_email_total",
			Help:      "Create requests rejected because the email already signed",
		}),
		invalidTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_invalid_token_total",
			Help:      "Rejected verify or revoke tokens",
		}, []string{"operation"}),
		notificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Outbound emails the mail transport did not accept",
		}, []string{"kind"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_compensated_total",
			Help:      "Compensating deletes after a failed notification, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Created() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) Verified() {
	if m != nil {
		m.verified.Inc()
	}
}

func (m *Metrics) Revoked() {
	if m != nil {
		m.revoked.Inc()
	}
}

func (m *Metrics) DuplicateEmail() {
	if m != nil {
		m.duplicateEmails.Inc()
	}
}

func (m *Metrics) InvalidToken(operation string) {
	if m != nil {
		m.invalidTokens.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) NotificationFailed(kind string) {
	if m != nil {
		m.notificationsFailed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Compensated(ok bool) {
	if m == nil {
		return
	}
	outcome := "deleted"
	if !ok {
		outcome = "failed"
	}
	m.compensations.WithLabelValues(outcome).Inc()
}
