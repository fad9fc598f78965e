// Package aigrid holds the subscription and entitlement model of The AI Grid
// and the reconciler that keeps profiles in step with provider subscriptions.
package aigrid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultBillingPeriod is used when a provider does not report period bounds.
	DefaultBillingPeriod = 30 * 24 * time.Hour

	opActivate     = "activate"
	opUpdatePeriod = "update_period"
	opDeactivate   = "deactivate"
	opCancel       = "cancel_by_user"
	opResetTier    = "reset_tier"

	statusSuccess = "success"
	statusNoop    = "noop"
	statusError   = "error"
)

// ReconcilerConfig holds optional reconciler dependencies.
type ReconcilerConfig struct {
	// Logger defaults to NoopLogger.
	Logger Logger

	// Metrics defaults to NoopMetrics.
	Metrics Metrics

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Reconciler applies entitlement changes from every payment provider to the
// store. Each operation issues sequential, independent writes: a failure after
// the first write leaves it in place and returns ErrPartialReconcile.
// EffectiveTier reads entitlement from subscriptions alone and is the read
// access checks should use.
type Reconciler struct {
	store   Store
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, config ReconcilerConfig) (*Reconciler, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		store:   store,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// Activate upserts an active subscription and mirrors its plan onto the
// profile. Stripe rows are keyed by subscription id, Square rows by user id.
// Square activations also set the profile's is_premium flag.
func (r *Reconciler) Activate(ctx context.Context, req ActivateRequest) error {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ErrInvalidUserID
	}
	plan := strings.ToLower(strings.TrimSpace(req.Plan))
	tier, ok := ParseTier(plan)
	if !ok || tier == TierFree {
		r.metrics.RecordReconcile(opActivate, statusError)
		return fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, req.Plan)
	}

	now := r.now()
	start := req.PeriodStart
	if start.IsZero() {
		start = now
	}
	end := req.PeriodEnd
	if end.IsZero() {
		end = start.Add(DefaultBillingPeriod)
	}

	sub := &Subscription{
		UserID:               userID,
		Status:               StatusActive,
		Plan:                 plan,
		PaymentProvider:      req.Provider,
		StripeSubscriptionID: req.StripeSubscriptionID,
		StripeCustomerID:     req.StripeCustomerID,
		PaymentID:            req.PaymentID,
		Amount:               req.Amount,
		StartedAt:            now,
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	key := KeyUserID
	if req.Provider == ProviderStripe && req.StripeSubscriptionID != "" {
		key = KeyStripeSubscriptionID
	}

	previous := r.profileTier(ctx, userID)

	if err := r.store.UpsertSubscription(ctx, sub, key); err != nil {
		r.metrics.RecordReconcile(opActivate, statusError)
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := r.store.SetProfileTier(ctx, userID, tier); err != nil {
		r.metrics.RecordReconcile(opActivate, statusError)
		r.logger.Error("profile tier update failed after subscription upsert",
			F("user_id", userID), F("plan", plan), F("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPartialReconcile, err)
	}

	if req.Provider == ProviderSquare {
		if err := r.store.SetProfilePremium(ctx, userID, true); err != nil {
			r.metrics.RecordReconcile(opActivate, statusError)
			return fmt.Errorf("%w: %w", ErrPartialReconcile, err)
		}
	}

	if previous != tier {
		r.metrics.RecordTierChange(string(req.Provider), previous.String(), tier.String())
	}
	r.metrics.RecordReconcile(opActivate, statusSuccess)
	r.logger.Info("subscription activated",
		F("user_id", userID), F("plan", plan), F("provider", string(req.Provider)), F("key", key.String()))
	return nil
}

// UpdateBillingPeriod records a renewal or status change reported by Stripe.
// The profile is not touched. An unknown subscription is a no-op.
func (r *Reconciler) UpdateBillingPeriod(ctx context.Context, subscriptionRef, status string, start, end time.Time) error {
	if subscriptionRef == "" {
		return fmt.Errorf("%w: missing subscription reference", ErrInvalidEvent)
	}

	err := r.store.UpdateSubscriptionPeriod(ctx, subscriptionRef, status, start, end)
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.metrics.RecordReconcile(opUpdatePeriod, statusNoop)
		r.logger.Warn("billing period update for unknown subscription", F("subscription_id", subscriptionRef))
		return nil
	}
	if err != nil {
		r.metrics.RecordReconcile(opUpdatePeriod, statusError)
		return fmt.Errorf("failed to update billing period: %w", err)
	}

	r.metrics.RecordReconcile(opUpdatePeriod, statusSuccess)
	r.logger.Debug("billing period updated", F("subscription_id", subscriptionRef), F("status", status))
	return nil
}

// Deactivate marks a provider subscription canceled and resets its owner's
// profile to the free tier. An unknown subscription is a no-op.
func (r *Reconciler) Deactivate(ctx context.Context, subscriptionRef string) error {
	if subscriptionRef == "" {
		return fmt.Errorf("%w: missing subscription reference", ErrInvalidEvent)
	}

	sub, err := r.store.SetSubscriptionStatus(ctx, subscriptionRef, StatusCanceled)
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.metrics.RecordReconcile(opDeactivate, statusNoop)
		r.logger.Warn("deactivation for unknown subscription", F("subscription_id", subscriptionRef))
		return nil
	}
	if err != nil {
		r.metrics.RecordReconcile(opDeactivate, statusError)
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	previous := r.profileTier(ctx, sub.UserID)
	if err := r.store.SetProfileTier(ctx, sub.UserID, TierFree); err != nil {
		r.metrics.RecordReconcile(opDeactivate, statusError)
		r.logger.Error("profile tier reset failed after cancellation",
			F("user_id", sub.UserID), F("subscription_id", subscriptionRef), F("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPartialReconcile, err)
	}

	if previous != TierFree {
		r.metrics.RecordTierChange(string(sub.PaymentProvider), previous.String(), TierFree.String())
	}
	r.metrics.RecordReconcile(opDeactivate, statusSuccess)
	r.logger.Info("subscription deactivated", F("user_id", sub.UserID), F("subscription_id", subscriptionRef))
	return nil
}

// CancelByUser marks every active subscription of userID as cancelled and
// returns the number of rows changed. The profile tier is left as is;
// EffectiveTier drops to free once no active subscription remains.
func (r *Reconciler) CancelByUser(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidUserID
	}

	n, err := r.store.CancelActiveSubscriptions(ctx, userID, r.now())
	if err != nil {
		r.metrics.RecordReconcile(opCancel, statusError)
		return 0, fmt.Errorf("failed to cancel subscriptions: %w", err)
	}
	if n == 0 {
		r.metrics.RecordReconcile(opCancel, statusNoop)
		return 0, nil
	}

	r.metrics.RecordReconcile(opCancel, statusSuccess)
	r.logger.Info("subscription cancelled by user", F("user_id", userID), F("rows", n))
	return n, nil
}

// ResetTier sets the profile tier to free without touching subscriptions.
func (r *Reconciler) ResetTier(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	previous := r.profileTier(ctx, userID)
	if err := r.store.SetProfileTier(ctx, userID, TierFree); err != nil {
		r.metrics.RecordReconcile(opResetTier, statusError)
		return fmt.Errorf("failed to reset tier: %w", err)
	}
	if previous != TierFree {
		r.metrics.RecordTierChange("sync", previous.String(), TierFree.String())
	}
	r.metrics.RecordReconcile(opResetTier, statusSuccess)
	return nil
}

// Apply routes a normalized entitlement event to the matching operation.
func (r *Reconciler) Apply(ctx context.Context, event EntitlementEvent) error {
	switch event.Kind {
	case EventActivated:
		req := ActivateRequest{
			UserID:      event.UserID,
			Plan:        event.Plan,
			Provider:    event.Provider,
			Amount:      event.Amount,
			PeriodStart: event.PeriodStart,
			PeriodEnd:   event.PeriodEnd,
		}
		switch event.Provider {
		case ProviderStripe:
			req.StripeSubscriptionID = event.ExternalRef
			req.StripeCustomerID = event.CustomerRef
		default:
			req.PaymentID = event.ExternalRef
		}
		return r.Activate(ctx, req)
	case EventPeriodUpdated:
		return r.UpdateBillingPeriod(ctx, event.ExternalRef, event.Status, event.PeriodStart, event.PeriodEnd)
	case EventDeactivated:
		return r.Deactivate(ctx, event.ExternalRef)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, event.Kind)
	}
}

// EffectiveTier derives the user's tier from their most recent active
// subscription, ignoring the mirrored profile field.
func (r *Reconciler) EffectiveTier(ctx context.Context, userID string) (Tier, error) {
	if userID == "" {
		return TierFree, nil
	}
	sub, err := r.store.LatestActiveSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return TierFree, nil
	}
	if err != nil {
		return TierFree, fmt.Errorf("failed to get active subscription: %w", err)
	}
	tier, _ := ParseTier(sub.Plan)
	return tier, nil
}

// ActiveSubscription returns the user's active subscription, or nil when
// there is none.
func (r *Reconciler) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	sub, err := r.store.LatestActiveSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

func (r *Reconciler) profileTier(ctx context.Context, userID string) Tier {
	profile, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			r.logger.Debug("profile read failed", F("user_id", userID), F("error", err.Error()))
		}
		return TierFree
	}
	if profile.SubscriptionTier == "" {
		return TierFree
	}
	return profile.SubscriptionTier
}
