package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/billing/internal"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// handleWebhook verifies a Stripe event and hands it to the reconciler.
// Once the signature is valid the event is always acknowledged; reconcile
// failures are logged and counted, not retried through Stripe.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
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

	event, err := p.verifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("stripe webhook signature rejected", aigrid.F("error", err.Error()))
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid signature"})
		return
	}

	eventType := string(event.Type)
	status := p.processEvent(r, &event)

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// verifyEvent checks the Stripe-Signature header and decodes the event.
func (p *Provider) verifyEvent(body []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return event, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// processEvent normalizes and applies a verified event and returns the
// metrics status.
func (p *Provider) processEvent(r *http.Request, event *stripe.Event) string {
	ev, ok, err := normalizeEvent(event)
	if err != nil {
		p.logger.Error("stripe webhook payload unreadable",
			aigrid.F("event_id", event.ID), aigrid.F("type", string(event.Type)), aigrid.F("error", err.Error()))
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return "error"
	}
	if !ok {
		return "ignored"
	}

	if err := p.reconciler.Apply(r.Context(), ev); err != nil {
		p.logger.Error("stripe webhook reconcile failed",
			aigrid.F("event_id", event.ID), aigrid.F("type", string(event.Type)),
			aigrid.F("user_id", ev.UserID), aigrid.F("error", err.Error()))
		p.metrics.RecordWebhookError(providerName, "reconcile_failed")
		return "error"
	}
	return "success"
}

// normalizeEvent maps a Stripe event onto an entitlement event. ok is false
// for event types and payloads that carry no entitlement change.
func normalizeEvent(event *stripe.Event) (ev aigrid.EntitlementEvent, ok bool, err error) {
	if event.Data == nil {
		return ev, false, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case eventCheckoutCompleted:
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ev, false, fmt.Errorf("%w: checkout session: %w", billing.ErrInvalidWebhookPayload, err)
		}
		userID, plan := session.Metadata["user_id"], session.Metadata["plan"]
		if userID == "" || plan == "" {
			return ev, false, nil
		}
		return aigrid.EntitlementEvent{
			Kind:        aigrid.EventActivated,
			Provider:    aigrid.ProviderStripe,
			UserID:      userID,
			Plan:        plan,
			ExternalRef: string(session.Subscription),
			CustomerRef: string(session.Customer),
			OccurredAt:  occurredAt,
		}, true, nil

	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("%w: subscription: %w", billing.ErrInvalidWebhookPayload, err)
		}
		if sub.ID == "" {
			return ev, false, fmt.Errorf("%w: subscription in event %s has no id", billing.ErrInvalidWebhookPayload, event.ID)
		}
		if string(event.Type) == eventSubscriptionDeleted {
			return aigrid.EntitlementEvent{
				Kind:        aigrid.EventDeactivated,
				Provider:    aigrid.ProviderStripe,
				ExternalRef: sub.ID,
				CustomerRef: string(sub.Customer),
				OccurredAt:  occurredAt,
			}, true, nil
		}
		start, end := sub.period()
		return aigrid.EntitlementEvent{
			Kind:        aigrid.EventPeriodUpdated,
			Provider:    aigrid.ProviderStripe,
			Status:      sub.Status,
			ExternalRef: sub.ID,
			CustomerRef: string(sub.Customer),
			PeriodStart: start,
			PeriodEnd:   end,
			OccurredAt:  occurredAt,
		}, true, nil

	default:
		return ev, false, nil
	}
}

// checkoutSession is the part of a Checkout Session webhooks rely on.
type checkoutSession struct {
	ID           string            `json:"id"`
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscriptionObject is the part of a Subscription webhooks rely on.
// Newer API versions report period bounds on the items only.
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           expandableID      `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if (startUnix == 0 || endUnix == 0) && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	if startUnix > 0 {
		start = time.Unix(startUnix, 0).UTC()
	}
	if endUnix > 0 {
		end = time.Unix(endUnix, 0).UTC()
	}
	return start, end
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}
