package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

// CheckoutRequest starts a hosted subscription checkout.
type CheckoutRequest struct {
	UserID string
	Email  string
	Plan   string
}

// CheckoutURL creates a subscription-mode Checkout Session and returns its
// URL. The user's Stripe customer is reused or created on first checkout.
// The session carries user_id and plan metadata for the completion webhook.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	startTime := time.Now()

	if req.UserID == "" {
		return "", aigrid.ErrInvalidUserID
	}
	tier, ok := aigrid.ParseTier(req.Plan)
	plan, configured := p.plans[tier]
	if !ok || !configured {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, req.Plan)
	}

	customerID, err := p.ensureCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(defaultCurrency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(plan.ProductName()),
					},
					UnitAmount: stripe.Int64(plan.UnitAmount),
					Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
						Interval: stripe.String(defaultInterval),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.appURL + "/subscribe/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(p.appURL + "/subscribe"),
		Metadata: map[string]string{
			"user_id": req.UserID,
			"plan":    tier.String(),
		},
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", req.UserID)
	params.SubscriptionData.AddMetadata("plan", tier.String())

	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: failed to create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	p.logger.Info("checkout session created",
		aigrid.F("user_id", req.UserID), aigrid.F("plan", tier.String()), aigrid.F("session_id", session.ID))
	return session.URL, nil
}

// PortalURL creates a billing portal session for a user who already has a
// Stripe customer. Returns billing.ErrCustomerNotFound otherwise.
func (p *Provider) PortalURL(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()

	profile, err := p.store.GetProfile(ctx, userID)
	if errors.Is(err, aigrid.ErrProfileNotFound) || (err == nil && profile.StripeCustomerID == "") {
		return "", billing.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}

	session, err := p.api.CreatePortalSession(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(profile.StripeCustomerID),
		ReturnURL: stripe.String(p.appURL + "/admin"),
	})
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: failed to create portal session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}

// ensureCustomer returns the profile's Stripe customer, creating and
// recording one when the profile has none.
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, aigrid.ErrProfileNotFound) {
		return "", err
	}
	if profile != nil && profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}
	if email == "" && profile != nil {
		email = profile.Email
	}

	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("supabase_user_id", userID)
	params.AddMetadata("user_id", userID)

	startTime := time.Now()
	customer, err := p.api.CreateCustomer(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("%w: failed to create customer: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")

	if err := p.store.SetStripeCustomerID(ctx, userID, customer.ID); err != nil {
		return "", fmt.Errorf("failed to record customer id: %w", err)
	}
	return customer.ID, nil
}
