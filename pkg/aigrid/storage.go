package aigrid

import (
	"context"
	"time"
)

// Store persists profiles and subscriptions.
//
// Implementations make each method atomic on its own; nothing spans two
// calls, so a reconcile that needs two writes can be observed half done.
type Store interface {
	// GetProfile returns ErrProfileNotFound when the user has no profile.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// EnsureProfile creates a free-tier profile if none exists.
	EnsureProfile(ctx context.Context, userID, email string) error

	// SetProfileTier sets subscription_tier, creating the profile if needed.
	SetProfileTier(ctx context.Context, userID string, tier Tier) error

	// SetProfilePremium sets is_premium, creating the profile if needed.
	SetProfilePremium(ctx context.Context, userID string, premium bool) error

	// SetStripeCustomerID records the Stripe customer for a profile.
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error

	ListProfiles(ctx context.Context, opts ListOptions) ([]*Profile, error)
	CountProfiles(ctx context.Context) (int, error)

	// UpsertSubscription inserts sub or overwrites the row matching key.
	UpsertSubscription(ctx context.Context, sub *Subscription, key SubscriptionKey) error

	// UpdateSubscriptionPeriod updates status and period bounds of the row
	// with the given stripe_subscription_id. Returns ErrSubscriptionNotFound
	// when no row matches.
	UpdateSubscriptionPeriod(ctx context.Context, stripeSubscriptionID, status string, start, end time.Time) error

	// SetSubscriptionStatus sets the status of the row with the given
	// stripe_subscription_id and returns the updated row.
	SetSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) (*Subscription, error)

	// CancelActiveSubscriptions marks every active row of userID cancelled
	// and returns how many rows changed.
	CancelActiveSubscriptions(ctx context.Context, userID string, at time.Time) (int, error)

	// LatestActiveSubscription returns the most recently updated active row
	// or ErrSubscriptionNotFound.
	LatestActiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ListSubscriptions returns rows newest first.
	ListSubscriptions(ctx context.Context, opts ListOptions) ([]*Subscription, error)
}
