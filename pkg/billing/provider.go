// Package billing defines what the payment providers of The AI Grid share:
// the provider contract, configuration, charge ledger and metrics.
package billing

import (
	"context"
	"net/http"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

// Provider is the interface every payment backend implements.
type Provider interface {
	// Name returns the provider name ("stripe", "square").
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	// It verifies and normalizes them and hands them to the reconciler.
	WebhookHandler() http.Handler

	// SyncUser re-reads the user's state from the provider and repairs the
	// local subscription and profile. Returns the resulting tier.
	SyncUser(ctx context.Context, userID string) (aigrid.Tier, error)
}
