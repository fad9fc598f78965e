// Package prommetrics records billing and entitlement metrics with
// Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

// Metrics implements billing.Metrics and aigrid.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	userSyncDuration          *prometheus.HistogramVec
	chargesTotal              *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	tierChangesTotal          *prometheus.CounterVec
	reconcileTotal            *prometheus.CounterVec
}

const (
	billingSubsystem     = "billing"
	entitlementSubsystem = "entitlement"
)

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := factory{promauto.With(reg), namespace}

	return &Metrics{
		webhookEventsTotal: f.counter(billingSubsystem, "webhook_events_total",
			"Total number of verified webhook events by outcome.", "provider", "event_type", "status"),
		webhookProcessingDuration: f.histogram(billingSubsystem, "webhook_processing_duration_seconds",
			"Duration of webhook processing in seconds.", "provider", "event_type"),
		webhookErrorsTotal: f.counter(billingSubsystem, "webhook_errors_total",
			"Total number of rejected or failed webhooks.", "provider", "error_type"),
		userSyncTotal: f.counter(billingSubsystem, "user_sync_total",
			"Total number of user resynchronizations.", "provider", "status"),
		userSyncDuration: f.histogram(billingSubsystem, "user_sync_duration_seconds",
			"Duration of user resynchronizations in seconds.", "provider"),
		chargesTotal: f.counter(billingSubsystem, "charges_total",
			"Total number of direct card charges by outcome.", "provider", "status"),
		apiCallsTotal: f.counter(billingSubsystem, "api_calls_total",
			"Total number of API calls to billing providers.", "provider", "endpoint", "status"),
		apiCallDuration: f.histogram(billingSubsystem, "api_call_duration_seconds",
			"Duration of API calls to billing providers in seconds.", "provider", "endpoint"),
		tierChangesTotal: f.counter(entitlementSubsystem, "tier_changes_total",
			"Total number of profile tier changes.", "provider", "from_tier", "to_tier"),
		reconcileTotal: f.counter(entitlementSubsystem, "reconcile_operations_total",
			"Total number of reconciler operations by outcome.", "operation", "status"),
	}
}

type factory struct {
	promauto.Factory
	namespace string
}

func (f factory) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (f factory) histogram(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.userSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordCharge(provider, status string) {
	m.chargesTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordReconcile(operation, status string) {
	m.reconcileTotal.WithLabelValues(operation, status).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var (
	_ billing.Metrics = (*Metrics)(nil)
	_ aigrid.Metrics  = (*Metrics)(nil)
)
