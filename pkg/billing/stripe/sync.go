package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

const subscriptionStatusActive = "active"

// syncUserFromAPI re-activates the user's newest active Stripe subscription
// or resets the profile to free when there is none.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (aigrid.Tier, error) {
	startTime := time.Now()
	defer func() {
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	}()

	profile, err := p.store.GetProfile(ctx, userID)
	if errors.Is(err, aigrid.ErrProfileNotFound) || (err == nil && profile.StripeCustomerID == "") {
		p.metrics.RecordUserSync(providerName, "no_customer")
		return aigrid.TierFree, p.reconciler.ResetTier(ctx, userID)
	}
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return aigrid.TierFree, fmt.Errorf("failed to get profile: %w", err)
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(profile.StripeCustomerID)
	params.Status = stripe.String(subscriptionStatusActive)

	listStart := time.Now()
	subs, err := p.api.ListSubscriptions(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(listStart))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		p.metrics.RecordUserSync(providerName, "error")
		return aigrid.TierFree, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")

	newest, tier := p.newestPaidSubscription(subs)
	if newest == nil {
		if err := p.reconciler.ResetTier(ctx, userID); err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return aigrid.TierFree, err
		}
		p.metrics.RecordUserSync(providerName, "success")
		return aigrid.TierFree, nil
	}

	err = p.reconciler.Activate(ctx, aigrid.ActivateRequest{
		UserID:               userID,
		Plan:                 tier.String(),
		Provider:             aigrid.ProviderStripe,
		StripeSubscriptionID: newest.ID,
		StripeCustomerID:     profile.StripeCustomerID,
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return aigrid.TierFree, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.logger.Info("stripe user synced", aigrid.F("user_id", userID), aigrid.F("tier", tier.String()))
	return tier, nil
}

// newestPaidSubscription picks the most recently created subscription whose
// plan resolves to a paid tier.
func (p *Provider) newestPaidSubscription(subs []*stripe.Subscription) (*stripe.Subscription, aigrid.Tier) {
	var newest *stripe.Subscription
	tier := aigrid.TierFree
	for _, sub := range subs {
		t, ok := p.tierFromSubscription(sub)
		if !ok {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest, tier = sub, t
		}
	}
	return newest, tier
}

// tierFromSubscription reads the plan from metadata, falling back to the
// first item's price.
func (p *Provider) tierFromSubscription(sub *stripe.Subscription) (aigrid.Tier, bool) {
	if sub == nil {
		return aigrid.TierFree, false
	}
	if plan := sub.Metadata["plan"]; plan != "" {
		if tier, ok := aigrid.ParseTier(plan); ok && tier.IsPaid() {
			return tier, true
		}
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				if tier, ok := p.tierForAmount(item.Price.UnitAmount); ok {
					return tier, true
				}
			}
		}
	}
	return aigrid.TierFree, false
}
