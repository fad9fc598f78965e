package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

func checkoutObject(userID, plan string) map[string]interface{} {
	metadata := map[string]string{}
	if userID != "" {
		metadata["user_id"] = userID
	}
	if plan != "" {
		metadata["plan"] = plan
	}
	return map[string]interface{}{
		"id":           "cs_test_1",
		"object":       "checkout.session",
		"customer":     testCustomerID,
		"subscription": testSubscriptionID,
		"metadata":     metadata,
	}
}

func TestWebhook_CheckoutCompletedActivates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := signedRequest(t, testStripeWebhookSecret, "checkout.session.completed", checkoutObject("u1", "pro"))
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp["received"] {
		t.Errorf("Expected {received:true}, got %s", w.Body.String())
	}

	sub, err := env.reconciler.ActiveSubscription(ctx, "u1")
	if err != nil || sub == nil {
		t.Fatalf("Expected active subscription, got %v (%v)", sub, err)
	}
	if sub.UserID != "u1" || sub.StripeSubscriptionID != testSubscriptionID || sub.StripeCustomerID != testCustomerID {
		t.Errorf("Unexpected subscription: %+v", sub)
	}

	profile, err := env.store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("Failed to get profile: %v", err)
	}
	if profile.SubscriptionTier != aigrid.TierPro {
		t.Errorf("Expected tier pro, got %s", profile.SubscriptionTier)
	}
}

func TestWebhook_CheckoutWithoutMetadataIsIgnored(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		plan   string
	}{
		{"missing user", "", "pro"},
		{"missing plan", "u1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := signedRequest(t, testStripeWebhookSecret, "checkout.session.completed", checkoutObject(tt.userID, tt.plan))
			w := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if n, _ := env.store.CountProfiles(context.Background()); n != 0 {
				t.Errorf("Expected no writes, found %d profiles", n)
			}
		})
	}
}

func TestWebhook_SubscriptionDeletedResetsTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.reconciler.Activate(ctx, aigrid.ActivateRequest{
		UserID: "u1", Plan: "enterprise", Provider: aigrid.ProviderStripe, StripeSubscriptionID: testSubscriptionID,
	}); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}

	req := signedRequest(t, testStripeWebhookSecret, "customer.subscription.deleted", map[string]interface{}{
		"id": testSubscriptionID, "object": "subscription", "status": "canceled", "customer": testCustomerID,
	})
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	subs, _ := env.store.ListSubscriptions(ctx, aigrid.ListOptions{})
	if len(subs) != 1 || !aigrid.IsCancelled(subs[0].Status) {
		t.Errorf("Expected cancelled subscription, got %+v", subs)
	}
	profile, _ := env.store.GetProfile(ctx, "u1")
	if profile.SubscriptionTier != aigrid.TierFree {
		t.Errorf("Expected tier free, got %s", profile.SubscriptionTier)
	}
}

func TestWebhook_SubscriptionUpdatedRecordsPeriod(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	tests := []struct {
		name   string
		object map[string]interface{}
	}{
		{
			name: "top level period",
			object: map[string]interface{}{
				"id": testSubscriptionID, "object": "subscription", "status": "past_due",
				"current_period_start": start.Unix(), "current_period_end": end.Unix(),
			},
		},
		{
			name: "item level period",
			object: map[string]interface{}{
				"id": testSubscriptionID, "object": "subscription", "status": "past_due",
				"items": map[string]interface{}{"data": []map[string]interface{}{
					{"current_period_start": start.Unix(), "current_period_end": end.Unix()},
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			_ = env.reconciler.Activate(ctx, aigrid.ActivateRequest{
				UserID: "u1", Plan: "pro", Provider: aigrid.ProviderStripe, StripeSubscriptionID: testSubscriptionID,
			})

			req := signedRequest(t, testStripeWebhookSecret, "customer.subscription.updated", tt.object)
			w := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			subs, _ := env.store.ListSubscriptions(ctx, aigrid.ListOptions{})
			if subs[0].Status != "past_due" {
				t.Errorf("Expected status past_due, got %s", subs[0].Status)
			}
			if !subs[0].CurrentPeriodStart.Equal(start) || !subs[0].CurrentPeriodEnd.Equal(end) {
				t.Errorf("Expected period %v - %v, got %v - %v", start, end, subs[0].CurrentPeriodStart, subs[0].CurrentPeriodEnd)
			}
			profile, _ := env.store.GetProfile(ctx, "u1")
			if profile.SubscriptionTier != aigrid.TierPro {
				t.Errorf("Period update must not touch profile, got %s", profile.SubscriptionTier)
			}
		})
	}
}

func TestWebhook_InvalidSignatureDoesNotMutate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"wrong secret", nil},
		{"missing header", func(r *http.Request) { r.Header.Del("Stripe-Signature") }},
		{"garbage header", func(r *http.Request) { r.Header.Set("Stripe-Signature", "t=1,v1=deadbeef") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := signedRequest(t, "whsec_wrong", "checkout.session.completed", checkoutObject("u1", "pro"))
			if tt.mutate != nil {
				tt.mutate(req)
			}
			w := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
			if n, _ := env.store.CountProfiles(context.Background()); n != 0 {
				t.Errorf("Expected no store mutation, found %d profiles", n)
			}
			if subs, _ := env.store.ListSubscriptions(context.Background(), aigrid.ListOptions{}); len(subs) != 0 {
				t.Errorf("Expected no subscriptions, got %d", len(subs))
			}
		})
	}
}

func TestProvider_VerifyEvent(t *testing.T) {
	env := newTestEnv(t)

	req := signedRequest(t, testStripeWebhookSecret, "checkout.session.completed", checkoutObject("u1", "pro"))
	body, _ := io.ReadAll(req.Body)
	event, err := env.provider.verifyEvent(body, req.Header.Get("Stripe-Signature"))
	if err != nil {
		t.Fatalf("Failed to verify event: %v", err)
	}
	if string(event.Type) != "checkout.session.completed" {
		t.Errorf("Expected checkout event, got %s", event.Type)
	}

	req = signedRequest(t, "whsec_wrong", "checkout.session.completed", checkoutObject("u1", "pro"))
	body, _ = io.ReadAll(req.Body)
	if _, err := env.provider.verifyEvent(body, req.Header.Get("Stripe-Signature")); !errors.Is(err, billing.ErrInvalidWebhookSignature) {
		t.Errorf("Expected ErrInvalidWebhookSignature, got %v", err)
	}
}

func TestNormalizeEvent_InvalidPayload(t *testing.T) {
	tests := []struct {
		name  string
		event *stripe.Event
	}{
		{"no data", &stripe.Event{ID: "evt_1", Type: "checkout.session.completed"}},
		{
			"malformed session",
			&stripe.Event{ID: "evt_2", Type: "checkout.session.completed", Data: &stripe.EventData{Raw: json.RawMessage(`[1]`)}},
		},
		{
			"subscription without id",
			&stripe.Event{ID: "evt_3", Type: "customer.subscription.updated", Data: &stripe.EventData{Raw: json.RawMessage(`{}`)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := normalizeEvent(tt.event); !errors.Is(err, billing.ErrInvalidWebhookPayload) {
				t.Errorf("Expected ErrInvalidWebhookPayload, got %v", err)
			}
		})
	}
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	req := signedRequest(t, testStripeWebhookSecret, "invoice.created", map[string]interface{}{"id": "in_1"})
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for ignored event, got %d", w.Code)
	}
}

// failingStore fails every subscription write.
type failingStore struct {
	aigrid.Store
}

func (s *failingStore) UpsertSubscription(context.Context, *aigrid.Subscription, aigrid.SubscriptionKey) error {
	return errors.New("database unavailable")
}

func TestWebhook_ReconcileFailureStillAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	reconciler, _ := aigrid.NewReconciler(&failingStore{Store: env.store}, aigrid.ReconcilerConfig{})
	env.provider.reconciler = reconciler

	req := signedRequest(t, testStripeWebhookSecret, "checkout.session.completed", checkoutObject("u1", "pro"))
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected reconcile failure to be acknowledged with 200, got %d", w.Code)
	}
}

func TestWebhook_RequestValidation(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		secret   string
		wantCode int
	}{
		{"method not allowed", http.MethodGet, "", testStripeWebhookSecret, http.StatusMethodNotAllowed},
		{"not configured", http.MethodPost, "{}", "", http.StatusServiceUnavailable},
		{"empty body", http.MethodPost, "", testStripeWebhookSecret, http.StatusBadRequest},
		{"too large", http.MethodPost, strings.Repeat("x", 300*1024), testStripeWebhookSecret, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.provider.webhookSecret = tt.secret

			req := httptest.NewRequest(tt.method, "/webhooks/stripe", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if w.Header().Get("Cache-Control") != "no-store" {
				t.Error("Expected security headers on webhook responses")
			}
		})
	}
}

func TestExpandableID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"cus_1"`, "cus_1"},
		{`{"id":"cus_2","object":"customer"}`, "cus_2"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id expandableID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.in, err)
		}
		if string(id) != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}
}
