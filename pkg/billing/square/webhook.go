package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/billing/internal"
)

const (
	signatureHeader      = "x-square-hmacsha256-signature"
	eventPaymentUpdated  = "payment.updated"
	premiumPlan          = "premium"
	centsPerDollar       = 100
	errMsgInvalidSig     = "Invalid signature"
	errMsgHandlerFailure = "Webhook handler failed"
)

type webhookEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Data    struct {
		Object struct {
			Payment *payment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// UserIDFromOrderID extracts the user id from an order id of the form
// "<userID>_<suffix>". An id without an underscore is returned whole.
func UserIDFromOrderID(orderID string) string {
	userID, _, _ := strings.Cut(orderID, "_")
	return userID
}

// handleWebhook applies completed Square payments. Signatures are checked
// only when a signature key is configured.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.parseWebhook(r, body)
	switch {
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		p.logger.Warn("square webhook signature rejected")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": errMsgInvalidSig})
		return
	case err != nil:
		p.logger.Warn("square webhook payload unreadable", aigrid.F("error", err.Error()))
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": errMsgHandlerFailure})
		return
	}

	eventType := event.Type
	if eventType == "" {
		eventType = "unknown"
	}
	status := p.processEvent(r, event)

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) processEvent(r *http.Request, event *webhookEvent) string {
	ev, ok := normalizeEvent(event)
	if !ok {
		return "ignored"
	}
	if err := p.reconciler.Apply(r.Context(), ev); err != nil {
		p.logger.Error("square webhook reconcile failed",
			aigrid.F("event_id", event.EventID), aigrid.F("user_id", ev.UserID), aigrid.F("error", err.Error()))
		p.metrics.RecordWebhookError(providerName, "reconcile_failed")
		return "error"
	}
	return "success"
}

// normalizeEvent maps a completed payment onto a premium activation. The
// user comes from reference_id, or from the order id for payments that
// predate reference ids.
func normalizeEvent(event *webhookEvent) (aigrid.EntitlementEvent, bool) {
	pay := event.Data.Object.Payment
	if event.Type != eventPaymentUpdated || pay == nil || pay.Status != paymentStatusCompleted {
		return aigrid.EntitlementEvent{}, false
	}

	userID := strings.TrimSpace(pay.ReferenceID)
	if userID == "" && pay.OrderID != "" {
		userID = UserIDFromOrderID(pay.OrderID)
	}
	if userID == "" {
		return aigrid.EntitlementEvent{}, false
	}

	return aigrid.EntitlementEvent{
		Kind:        aigrid.EventActivated,
		Provider:    aigrid.ProviderSquare,
		UserID:      userID,
		Plan:        premiumPlan,
		ExternalRef: pay.ID,
		CustomerRef: pay.CustomerID,
		Amount:      float64(pay.AmountMoney.Amount) / centsPerDollar,
		OccurredAt:  time.Now().UTC(),
	}, true
}

// parseWebhook verifies the signature when a key is configured and decodes
// the event.
func (p *Provider) parseWebhook(r *http.Request, body []byte) (*webhookEvent, error) {
	if len(p.signatureKey) > 0 && !p.verifySignature(r, body) {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
	return &event, nil
}

// verifySignature checks base64(HMAC-SHA256(key, notificationURL + body)).
func (p *Provider) verifySignature(r *http.Request, body []byte) bool {
	got := strings.TrimSpace(r.Header.Get(signatureHeader))
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(p.sign(p.notificationURLFor(r), body)))
}

func (p *Provider) sign(notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, p.signatureKey)
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *Provider) notificationURLFor(r *http.Request) string {
	if p.notificationURL != "" {
		return p.notificationURL
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
