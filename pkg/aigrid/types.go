package aigrid

import (
	"strings"
	"time"
)

// Tier is the access level mirrored onto a profile.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a plan name into a Tier. Unknown names map to TierFree
// and ok is false.
func ParseTier(s string) (tier Tier, ok bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, true
	case TierPro:
		return TierPro, true
	case TierPremium:
		return TierPremium, true
	case TierEnterprise:
		return TierEnterprise, true
	default:
		return TierFree, false
	}
}

// IsPaid reports whether the tier unlocks premium content.
func (t Tier) IsPaid() bool {
	switch t {
	case TierPro, TierPremium, TierEnterprise:
		return true
	default:
		return false
	}
}

func (t Tier) String() string { return string(t) }

// Subscription status values. Statuses are stored verbatim, so providers may
// also write values not listed here (e.g. "trialing", "incomplete").
const (
	StatusActive  = "active"
	StatusPastDue = "past_due"
	// StatusCancelled is written when a user cancels from the app.
	StatusCancelled = "cancelled"
	// StatusCanceled is written when Stripe reports a subscription deleted.
	StatusCanceled = "canceled"
)

// IsCancelled reports whether status is either cancellation spelling.
func IsCancelled(status string) bool {
	return status == StatusCancelled || status == StatusCanceled
}

// Provider identifies the payment provider that produced a subscription.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderSquare Provider = "square"
)

// SubscriptionKey selects the column an upsert matches existing rows on.
type SubscriptionKey int

const (
	// KeyUserID matches on user_id (Square).
	KeyUserID SubscriptionKey = iota
	// KeyStripeSubscriptionID matches on stripe_subscription_id (Stripe).
	KeyStripeSubscriptionID
)

func (k SubscriptionKey) String() string {
	if k == KeyStripeSubscriptionID {
		return "stripe_subscription_id"
	}
	return "user_id"
}

// Profile is the per-user record carrying the mirrored entitlement.
type Profile struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	FullName         string    `json:"full_name,omitempty"`
	SubscriptionTier Tier      `json:"subscription_tier"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	IsPremium        bool      `json:"is_premium"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Subscription is one provider subscription or payment for a user.
// Rows are never deleted; cancellation flips Status.
type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	Status               string     `json:"status"`
	Plan                 string     `json:"plan"`
	PaymentProvider      Provider   `json:"payment_provider"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	PaymentID            string     `json:"payment_id,omitempty"`
	Amount               float64    `json:"amount,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CurrentPeriodStart   time.Time  `json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsActive reports whether the subscription currently grants its plan.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// EventKind is the normalized kind of an entitlement change.
type EventKind string

const (
	EventActivated     EventKind = "activated"
	EventPeriodUpdated EventKind = "period_updated"
	EventDeactivated   EventKind = "deactivated"
)

// EntitlementEvent is a provider-agnostic entitlement change produced by
// webhook ingress and consumed by Reconciler.Apply.
type EntitlementEvent struct {
	Kind     EventKind
	Provider Provider
	UserID   string
	Plan     string
	Status   string

	// ExternalRef is the Stripe subscription id or the Square payment id.
	ExternalRef string
	// CustomerRef is the provider customer id, when known.
	CustomerRef string

	// Amount is in major currency units (dollars).
	Amount      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	OccurredAt  time.Time
}

// ActivateRequest describes a subscription becoming active.
type ActivateRequest struct {
	UserID               string
	Plan                 string
	Provider             Provider
	StripeSubscriptionID string
	StripeCustomerID     string
	PaymentID            string
	Amount               float64
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// ListOptions pages admin listings. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}
