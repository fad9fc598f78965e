package prommetrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/storage/memory"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "aigrid")

	m.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
	m.RecordWebhookError("square", "auth_failed")
	m.RecordCharge("square", "completed")
	m.RecordAPICall("stripe", "/customers", "success")
	m.RecordUserSync("stripe", "no_customer")
	m.RecordTierChange("stripe", "free", "pro")
	m.RecordReconcile("activate", "success")

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"webhook events", m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.completed", "success"), 2},
		{"webhook errors", m.webhookErrorsTotal.WithLabelValues("square", "auth_failed"), 1},
		{"charges", m.chargesTotal.WithLabelValues("square", "completed"), 1},
		{"api calls", m.apiCallsTotal.WithLabelValues("stripe", "/customers", "success"), 1},
		{"user sync", m.userSyncTotal.WithLabelValues("stripe", "no_customer"), 1},
		{"tier changes", m.tierChangesTotal.WithLabelValues("stripe", "free", "pro"), 1},
		{"reconcile", m.reconcileTotal.WithLabelValues("activate", "success"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMetrics_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "aigrid")

	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.deleted", 20*time.Millisecond)
	m.RecordAPICallDuration("square", "/v2/payments", 150*time.Millisecond)
	m.RecordUserSyncDuration("stripe", time.Second)

	if n := testutil.CollectAndCount(m.webhookProcessingDuration); n != 1 {
		t.Errorf("Expected 1 webhook duration series, got %d", n)
	}
	if n := testutil.CollectAndCount(m.apiCallDuration); n != 1 {
		t.Errorf("Expected 1 api duration series, got %d", n)
	}
	if n := testutil.CollectAndCount(m.userSyncDuration); n != 1 {
		t.Errorf("Expected 1 sync duration series, got %d", n)
	}
}

func TestMetrics_WiredIntoReconciler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "aigrid")

	reconciler, err := aigrid.NewReconciler(memory.New(), aigrid.ReconcilerConfig{Metrics: m})
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}
	err = reconciler.Activate(context.Background(), aigrid.ActivateRequest{
		UserID: "u1", Plan: "pro", Provider: aigrid.ProviderStripe, StripeSubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}

	if got := testutil.ToFloat64(m.tierChangesTotal.WithLabelValues("stripe", "free", "pro")); got != 1 {
		t.Errorf("Expected one free->pro change, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconcileTotal.WithLabelValues("activate", "success")); got != 1 {
		t.Errorf("Expected one successful activate, got %v", got)
	}
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "aigrid")

	defer func() {
		if recover() == nil {
			t.Error("Expected second registration on the same registry to panic")
		}
	}()
	NewMetrics(reg, "aigrid")
}
