package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters exported by the service
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	enrollments     *prometheus.CounterVec
	payments        *prometheus.CounterVec
}

// New registers the service counters on registry
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coursesub_webhook_events_total",
				Help: "Webhook events received, by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		reconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coursesub_reconciliations_total",
				Help: "Subscription reconciliations, by trigger and resulting status",
			},
			[]string{"trigger", "status"},
		),
		enrollments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coursesub_enrollment_grants_total",
				Help: "LMS enrollment grants, by outcome",
			},
			[]string{"outcome"},
		),
		payments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coursesub_payments_recorded_total",
				Help: "Payment records written, by status and currency",
			},
			[]string{"status", "currency"},
		),
	}
}

// WebhookEvent counts a processed webhook event
func (m *Metrics) WebhookEvent(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Reconciled counts a reconciliation and the status it produced
func (m *Metrics) Reconciled(trigger, status string) {
	m.reconciliations.WithLabelValues(trigger, status).Inc()
}

// EnrollmentGrant counts an LMS grant attempt
func (m *Metrics) EnrollmentGrant(outcome string) {
	m.enrollments.WithLabelValues(outcome).Inc()
}

// PaymentRecorded counts a new payment record
func (m *Metrics) PaymentRecorded(status, currency string) {
	m.payments.WithLabelValues(status, currency).Inc()
}
