package square

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

func TestUserIDFromOrderID(t *testing.T) {
	tests := []struct {
		orderID string
		want    string
	}{
		{"abc123_1700000000", "abc123"},
		{"abc123", "abc123"},
		{"abc_123_456", "abc"},
		{"_1700000000", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := UserIDFromOrderID(tt.orderID); got != tt.want {
			t.Errorf("UserIDFromOrderID(%q) = %q, want %q", tt.orderID, got, tt.want)
		}
	}
}

func paymentEvent(t *testing.T, eventType string, pay map[string]interface{}) string {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"type":     eventType,
		"event_id": "evt_1",
		"data":     map[string]interface{}{"object": map[string]interface{}{"payment": pay}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return string(body)
}

func completedPayment(fields map[string]interface{}) map[string]interface{} {
	pay := map[string]interface{}{
		"id":           "pay_1",
		"status":       "COMPLETED",
		"customer_id":  "cust_1",
		"amount_money": map[string]interface{}{"amount": 199, "currency": "USD"},
	}
	for k, v := range fields {
		pay[k] = v
	}
	return pay
}

func postWebhook(env *testEnv, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/square", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(w, req)
	return w
}

func TestWebhook_CompletedPaymentActivates(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"reference id", map[string]interface{}{"reference_id": testUserID}},
		{"legacy order id", map[string]interface{}{"order_id": testUserID + "_1700000000"}},
		{"reference id wins", map[string]interface{}{"reference_id": testUserID, "order_id": "other_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			ctx := context.Background()

			w := postWebhook(env, paymentEvent(t, "payment.updated", completedPayment(tt.fields)), nil)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
			}

			sub, err := env.reconciler.ActiveSubscription(ctx, testUserID)
			if err != nil || sub == nil {
				t.Fatalf("Expected active subscription, got %v (%v)", sub, err)
			}
			if sub.Plan != "premium" || sub.PaymentID != "pay_1" || sub.Amount != 1.99 {
				t.Errorf("Unexpected subscription: %+v", sub)
			}
			profile, _ := env.store.GetProfile(ctx, testUserID)
			if !profile.IsPremium {
				t.Error("Expected is_premium to be set")
			}
		})
	}
}

func TestWebhook_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) string
	}{
		{"other type", func(t *testing.T) string {
			return paymentEvent(t, "payment.created", completedPayment(map[string]interface{}{"reference_id": testUserID}))
		}},
		{"not completed", func(t *testing.T) string {
			return paymentEvent(t, "payment.updated", completedPayment(map[string]interface{}{
				"reference_id": testUserID, "status": "APPROVED",
			}))
		}},
		{"no user", func(t *testing.T) string {
			return paymentEvent(t, "payment.updated", completedPayment(nil))
		}},
		{"no payment", func(t *testing.T) string { return `{"type":"payment.updated","data":{"object":{}}}` }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			w := postWebhook(env, tt.body(t), nil)
			if w.Code != http.StatusOK {
				t.Errorf("Expected 200, got %d", w.Code)
			}
			if n, _ := env.store.CountProfiles(context.Background()); n != 0 {
				t.Errorf("Expected no writes, found %d profiles", n)
			}
		})
	}
}

func TestWebhook_Signature(t *testing.T) {
	body := paymentEvent(t, "payment.updated", completedPayment(map[string]interface{}{"reference_id": testUserID}))

	tests := []struct {
		name     string
		header   func(p *Provider) map[string]string
		wantCode int
		wantSub  bool
	}{
		{
			name: "valid signature",
			header: func(p *Provider) map[string]string {
				return map[string]string{signatureHeader: p.sign(testNotificationURL, []byte(body))}
			},
			wantCode: http.StatusOK,
			wantSub:  true,
		},
		{
			name: "signed for another url",
			header: func(p *Provider) map[string]string {
				return map[string]string{signatureHeader: p.sign("https://evil.test/hook", []byte(body))}
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing signature",
			header:   func(*Provider) map[string]string { return nil },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testSignatureKey)
			w := postWebhook(env, body, tt.header(env.provider))

			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			sub, _ := env.reconciler.ActiveSubscription(context.Background(), testUserID)
			if (sub != nil) != tt.wantSub {
				t.Errorf("Expected subscription present=%v, got %+v", tt.wantSub, sub)
			}
			if !tt.wantSub {
				if n, _ := env.store.CountProfiles(context.Background()); n != 0 {
					t.Errorf("Expected no store mutation, found %d profiles", n)
				}
				if !strings.Contains(w.Body.String(), "Invalid signature") {
					t.Errorf("Unexpected body: %s", w.Body.String())
				}
			}
		})
	}
}

func TestProvider_ParseWebhook(t *testing.T) {
	body := []byte(paymentEvent(t, "payment.updated", completedPayment(map[string]interface{}{"reference_id": testUserID})))
	env := newTestEnv(t, testSignatureKey)

	tests := []struct {
		name    string
		body    []byte
		sign    bool
		wantErr error
	}{
		{"valid", body, true, nil},
		{"unsigned", body, false, billing.ErrInvalidWebhookSignature},
		{"signed garbage", []byte("{not json"), true, billing.ErrInvalidWebhookPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/square", nil)
			if tt.sign {
				req.Header.Set(signatureHeader, env.provider.sign(testNotificationURL, tt.body))
			}
			event, err := env.provider.parseWebhook(req, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && event.Type != "payment.updated" {
				t.Errorf("Expected payment.updated, got %q", event.Type)
			}
		})
	}
}

func TestWebhook_RequestValidation(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
		wantBody string
	}{
		{"method not allowed", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
		{"empty body", http.MethodPost, "", http.StatusBadRequest, ""},
		{"malformed json", http.MethodPost, "{not json", http.StatusBadRequest, "Webhook handler failed"},
		{"too large", http.MethodPost, strings.Repeat("x", 300*1024), http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			req := httptest.NewRequest(tt.method, "/api/webhooks/square", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			env.provider.WebhookHandler().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestWebhook_ReconcileFailureStillAcknowledged(t *testing.T) {
	env := newTestEnv(t, "")
	reconciler, _ := aigrid.NewReconciler(&failingSubscriptions{Store: env.store}, aigrid.ReconcilerConfig{})
	env.provider.reconciler = reconciler

	w := postWebhook(env, paymentEvent(t, "payment.updated", completedPayment(map[string]interface{}{"reference_id": testUserID})), nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
