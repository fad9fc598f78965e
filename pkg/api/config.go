package api

import (
	"context"
	"fmt"
	"net/http"

	mw "github.com/theaigrid/aigrid/middleware/http"
	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/billing/square"
	"github.com/theaigrid/aigrid/pkg/billing/stripe"
	"github.com/theaigrid/aigrid/pkg/content"
	"github.com/theaigrid/aigrid/pkg/sentiment"
)

// Checkout starts hosted subscription checkouts. Implemented by
// *stripe.Provider.
type Checkout interface {
	CheckoutURL(ctx context.Context, req stripe.CheckoutRequest) (string, error)
	PortalURL(ctx context.Context, userID string) (string, error)
}

// Charger takes direct card payments. Implemented by *square.Provider.
type Charger interface {
	Charge(ctx context.Context, req square.ChargeRequest) (*square.ChargeResult, error)
}

// Reporter produces the sentiment feed. Implemented by *sentiment.Service.
type Reporter interface {
	Report(ctx context.Context) (*sentiment.Report, error)
}

// Profiles creates profiles on first paid interaction.
type Profiles interface {
	EnsureProfile(ctx context.Context, userID, email string) error
}

// Config holds configuration for the API handler
type Config struct {
	// Reconciler serves entitlement reads and user cancellation (required)
	Reconciler *aigrid.Reconciler

	// Content serves articles, newsletter and admin views (required)
	Content *content.Service

	// Profiles is usually the aigrid.Store (required)
	Profiles Profiles

	// Auth verifies Supabase access tokens (required)
	Auth mw.AuthConfig

	// AdminEmails may use the /api/admin routes
	AdminEmails []string

	// Checkout enables /api/billing. Optional.
	Checkout Checkout

	// Charger enables /api/payments. Optional.
	Charger Charger

	// Sentiment enables /api/sentiment. Optional.
	Sentiment Reporter

	// Webhooks are mounted at /api/webhooks/{Name()}
	Webhooks []billing.Provider

	// MetricsHandler is served at /metrics when set
	MetricsHandler http.Handler

	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Leave it off unless a proxy sets those headers.
	TrustProxy bool

	// Middlewares wrap every route, outermost first
	Middlewares []func(http.Handler) http.Handler

	// Logger defaults to aigrid.NoopLogger
	Logger aigrid.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.Content == nil {
		return fmt.Errorf("content service is required")
	}
	if c.Profiles == nil {
		return fmt.Errorf("profiles store is required")
	}
	if len(c.Auth.Secret) == 0 {
		return fmt.Errorf("auth secret is required")
	}
	return nil
}
